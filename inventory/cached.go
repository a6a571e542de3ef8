package inventory

import (
	"context"
	"time"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/pkg/cache"
)

// CachedStore serves Get from an LRU in front of a slower store. Writes go
// through to the backing store before the cache is updated.
type CachedStore struct {
	backing Store
	cache   *cache.LRU[Device]
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps backing with an LRU of size entries expiring after ttl
// (0 disables expiry)
func NewCachedStore(backing Store, size int, ttl time.Duration) (*CachedStore, error) {
	lru, err := cache.NewLRU(size, cache.WithTTL[Device](ttl))
	if err != nil {
		return nil, errors.Wrap(err, "CachedStore", "NewCachedStore", "create cache")
	}
	return &CachedStore{backing: backing, cache: lru}, nil
}

// Get returns the cached record or loads it from the backing store
func (s *CachedStore) Get(ctx context.Context, address string) (Device, error) {
	key := keyFor(address)
	if d, ok := s.cache.Get(key); ok {
		return d, nil
	}
	d, err := s.backing.Get(ctx, address)
	if err != nil {
		return Device{}, err
	}
	_, _ = s.cache.Set(key, d)
	return d, nil
}

// Put writes through to the backing store
func (s *CachedStore) Put(ctx context.Context, device Device) error {
	if err := s.backing.Put(ctx, device); err != nil {
		return err
	}
	device.Address = NormalizeAddress(device.Address)
	_, _ = s.cache.Set(keyFor(device.Address), device)
	return nil
}

// Update delegates to the backing store and caches the result. The entry
// is dropped when the update fails so the next Get rereads it.
func (s *CachedStore) Update(ctx context.Context, address string, fn func(*Device) error) (Device, error) {
	key := keyFor(address)
	d, err := s.backing.Update(ctx, address, fn)
	if err != nil {
		_, _ = s.cache.Delete(key)
		return Device{}, err
	}
	_, _ = s.cache.Set(key, d)
	return d, nil
}

// Delete removes the record from both layers
func (s *CachedStore) Delete(ctx context.Context, address string) error {
	_, _ = s.cache.Delete(keyFor(address))
	return s.backing.Delete(ctx, address)
}

// List always reads the backing store
func (s *CachedStore) List(ctx context.Context) ([]Device, error) {
	return s.backing.List(ctx)
}

// Stats returns cache statistics
func (s *CachedStore) Stats() cache.Stats {
	return s.cache.Stats()
}
