package inventory

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]Device
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

// Get returns the device for address
func (s *MemoryStore) Get(_ context.Context, address string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[keyFor(address)]
	if !ok {
		return Device{}, notFound("get", address)
	}
	return d, nil
}

// Put stores device, replacing any record for its address
func (s *MemoryStore) Put(_ context.Context, device Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	device.Address = NormalizeAddress(device.Address)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[keyFor(device.Address)] = device
	return nil
}

// Update applies fn under the store lock
func (s *MemoryStore) Update(_ context.Context, address string, fn func(*Device) error) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyFor(address)
	current, ok := s.devices[key]
	if !ok {
		return Device{}, notFound("update", address)
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return Device{}, err
	}
	s.devices[key] = next
	return next, nil
}

// Delete removes the record for address
func (s *MemoryStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyFor(address)
	if _, ok := s.devices[key]; !ok {
		return notFound("delete", address)
	}
	delete(s.devices, key)
	return nil
}

// List returns every record ordered by address
func (s *MemoryStore) List(_ context.Context) ([]Device, error) {
	s.mu.RLock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sortDevices(out)
	return out, nil
}

func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
}
