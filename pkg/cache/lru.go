package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/c360/sensorlink/errors"
)

type lruEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// LRU evicts the least recently used entry beyond maxSize. With a non-zero
// TTL, entries older than TTL are treated as absent and dropped on access.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List
	stats   counters
	evictFn EvictCallback[V]
	now     func() time.Time
}

var _ Cache[int] = (*LRU[int])(nil)

// Option configures an LRU
type Option[V any] func(*LRU[V])

// WithTTL expires entries ttl after they were set
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *LRU[V]) { c.ttl = ttl }
}

// WithEvictCallback is called for capacity and expiry evictions
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *LRU[V]) { c.evictFn = fn }
}

// NewLRU creates an LRU cache holding at most maxSize entries
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "max size must be positive")
	}
	c := &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get retrieves a value and marks it as recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	element, exists := c.items[key]
	if !exists {
		c.stats.misses.Add(1)
		return zero, false
	}
	entry := element.Value.(*lruEntry[V])
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.removeElement(element, true)
		c.stats.misses.Add(1)
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.hits.Add(1)
	return entry.value, true
}

// Set stores a value and marks it as recently used
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.sets.Add(1)
	expires := c.now().Add(c.ttl)

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*lruEntry[V])
		entry.value = value
		entry.expiresAt = expires
		c.order.MoveToFront(element)
		return false, nil
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, expiresAt: expires})
	for len(c.items) > c.maxSize {
		c.removeElement(c.order.Back(), true)
	}
	return true, nil
}

// Delete removes an entry
func (c *LRU[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false, nil
	}
	c.removeElement(element, false)
	c.stats.deletes.Add(1)
	return true, nil
}

// Clear removes all entries without invoking the evict callback
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Size returns the number of entries, including expired ones not yet
// accessed
func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a statistics snapshot
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.snapshot(len(c.items))
}

// removeElement must be called with mu held
func (c *LRU[V]) removeElement(element *list.Element, evicted bool) {
	entry := element.Value.(*lruEntry[V])
	c.order.Remove(element)
	delete(c.items, entry.key)
	if evicted {
		c.stats.evictions.Add(1)
		if c.evictFn != nil {
			c.evictFn(entry.key, entry.value)
		}
	}
}
