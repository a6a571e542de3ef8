// Package cache provides a generic, thread-safe LRU cache with optional
// entry expiry and always-on hit/miss statistics.
package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/c360/sensorlink/errors"
)

// Cache is the read-through cache contract used in front of remote stores
type Cache[V any] interface {
	// Get returns the value and true if present and not expired.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear()

	// Size returns the current number of entries.
	Size() int

	// Stats returns a snapshot of cache statistics.
	Stats() Stats
}

// EvictCallback is called when an entry is evicted for capacity or expiry
type EvictCallback[V any] func(key string, value V)

// Stats is a point-in-time statistics snapshot
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Size      int
}

// HitRatio returns hits / (hits + misses), or 0 with no lookups
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits, misses, sets, deletes, evictions atomic.Int64
}

func (c *counters) snapshot(size int) Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(fmt.Errorf("empty key"), "cache", "validateKey", "key validation")
	}
	return nil
}
