// Package observable provides concurrent containers that announce every
// mutation on an explicit event channel.
package observable

import (
	"sync"
	"sync/atomic"
)

// Op identifies the kind of mutation an Event reports
type Op int

const (
	// OpAdd reports a new key
	OpAdd Op = iota
	// OpReplace reports a new value for an existing key
	OpReplace
	// OpRemove reports a deleted key
	OpRemove
	// OpClear reports that every key was removed
	OpClear
)

// String returns the op name
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	case OpClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Event describes one mutation. Size is the container length right after it.
type Event[K comparable] struct {
	Op   Op
	Key  K
	Size int
}

// Map is a mutex-guarded map paired with a buffered event channel.
//
// Events are level triggered: when the channel is full the event is dropped
// and counted, but a pending event is then guaranteed to be received after
// the mutation became visible. Consumers must read current state from the map
// rather than reconstruct it from events.
type Map[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]V
	events  chan Event[K]
	dropped atomic.Uint64
}

// NewMap creates a map whose event channel holds up to buffer events.
func NewMap[K comparable, V any](buffer int) *Map[K, V] {
	if buffer < 1 {
		buffer = 1
	}
	return &Map[K, V]{
		items:  make(map[K]V),
		events: make(chan Event[K], buffer),
	}
}

// Events returns the change notification channel. Hand it to exactly one
// consumer.
func (m *Map[K, V]) Events() <-chan Event[K] {
	return m.events
}

// Dropped returns how many events were discarded on a full channel
func (m *Map[K, V]) Dropped() uint64 {
	return m.dropped.Load()
}

// emit must be called with mu held so events keep mutation order
func (m *Map[K, V]) emit(op Op, key K) {
	select {
	case m.events <- Event[K]{Op: op, Key: key, Size: len(m.items)}:
	default:
		m.dropped.Add(1)
	}
}

// Set stores v under k and returns the previous value, if any.
func (m *Map[K, V]) Set(k K, v V) (prev V, replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, replaced = m.items[k]
	m.items[k] = v
	if replaced {
		m.emit(OpReplace, k)
	} else {
		m.emit(OpAdd, k)
	}
	return prev, replaced
}

// Get returns the value stored under k
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[k]
	return v, ok
}

// Delete removes k and returns its value.
func (m *Map[K, V]) Delete(k K) (V, bool) {
	return m.DeleteIf(k, nil)
}

// DeleteIf removes k only when match accepts the stored value. A nil match
// always accepts.
func (m *Map[K, V]) DeleteIf(k K, match func(V) bool) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.items[k]
	if !ok || (match != nil && !match(v)) {
		var zero V
		return zero, false
	}
	delete(m.items, k)
	m.emit(OpRemove, k)
	return v, true
}

// Clear removes every entry and returns the removed values.
func (m *Map[K, V]) Clear() []V {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return nil
	}
	out := make([]V, 0, len(m.items))
	for _, v := range m.items {
		out = append(out, v)
	}
	clear(m.items)
	var zero K
	m.emit(OpClear, zero)
	return out
}

// Len returns the number of entries
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Keys returns a snapshot of the keys in unspecified order
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]K, 0, len(m.items))
	for k := range m.items {
		out = append(out, k)
	}
	return out
}

// Snapshot returns a copy of the map
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// Set is an observable set of keys.
type Set[K comparable] struct {
	m *Map[K, struct{}]
}

// NewSet creates a set whose event channel holds up to buffer events.
func NewSet[K comparable](buffer int) *Set[K] {
	return &Set[K]{m: NewMap[K, struct{}](buffer)}
}

// Add inserts k and reports whether it was new
func (s *Set[K]) Add(k K) bool {
	_, replaced := s.m.Set(k, struct{}{})
	return !replaced
}

// Remove deletes k and reports whether it was present
func (s *Set[K]) Remove(k K) bool {
	_, ok := s.m.Delete(k)
	return ok
}

// Contains reports whether k is present
func (s *Set[K]) Contains(k K) bool {
	_, ok := s.m.Get(k)
	return ok
}

// Len returns the number of members
func (s *Set[K]) Len() int { return s.m.Len() }

// Members returns a snapshot of the members
func (s *Set[K]) Members() []K { return s.m.Keys() }

// Events returns the change notification channel
func (s *Set[K]) Events() <-chan Event[K] { return s.m.Events() }
