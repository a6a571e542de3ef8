package inventory

import (
	"context"
	"encoding/json"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/natsclient"
)

// KVStore keeps the inventory in a JetStream key-value bucket so several
// relays can share it. Keys are addresses with separators removed.
type KVStore struct {
	kv *natsclient.KVStore
}

var _ Store = (*KVStore)(nil)

// NewKVStore wraps a natsclient KV store
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Get returns the device for address
func (s *KVStore) Get(ctx context.Context, address string) (Device, error) {
	entry, err := s.kv.Get(ctx, keyFor(address))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Device{}, notFound("get", address)
		}
		return Device{}, errors.WrapTransient(err, "KVStore", "Get", "read device")
	}
	var d Device
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return Device{}, errors.WrapInvalid(err, "KVStore", "Get", "decode device")
	}
	return d, nil
}

// Put stores device as JSON
func (s *KVStore) Put(ctx context.Context, device Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	device.Address = NormalizeAddress(device.Address)
	data, err := json.Marshal(device)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Put", "encode device")
	}
	if _, err := s.kv.Put(ctx, keyFor(device.Address), data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Put", "write device")
	}
	return nil
}

// Update applies fn with a revision-checked write, re-reading and retrying
// when another writer got there first
func (s *KVStore) Update(ctx context.Context, address string, fn func(*Device) error) (Device, error) {
	var out Device
	err := s.kv.UpdateWithRetry(ctx, keyFor(address), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, notFound("update", address)
		}
		var d Device
		if err := json.Unmarshal(current, &d); err != nil {
			return nil, errors.WrapInvalid(err, "KVStore", "Update", "decode device")
		}
		next, err := applyUpdate(d, fn)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, errors.WrapInvalid(err, "KVStore", "Update", "encode device")
		}
		out = next
		return data, nil
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errors.ErrKeyNotFound), errors.IsInvalid(err):
		return Device{}, err
	}
	return Device{}, errors.WrapTransient(err, "KVStore", "Update", "write device")
}

// Delete removes the record for address
func (s *KVStore) Delete(ctx context.Context, address string) error {
	if _, err := s.Get(ctx, address); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, keyFor(address)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return notFound("delete", address)
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "delete device")
	}
	return nil
}

// List returns every record ordered by address
func (s *KVStore) List(ctx context.Context) ([]Device, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list keys")
	}
	out := make([]Device, 0, len(keys))
	for _, key := range keys {
		d, err := s.Get(ctx, key)
		if errors.Is(err, errors.ErrKeyNotFound) {
			continue // deleted between Keys and Get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}
