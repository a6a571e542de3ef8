package observable

import (
	"sync"
	"sync/atomic"
)

// Value is a state container with one writer and any number of subscribers.
// Each subscriber gets its own buffered channel and receives every change
// that fits in its buffer.
type Value[T comparable] struct {
	mu      sync.Mutex
	current T
	subs    map[uint64]chan T
	nextID  uint64
	dropped atomic.Uint64
}

// NewValue creates a container holding initial
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{current: initial, subs: make(map[uint64]chan T)}
}

// Load returns the current value
func (v *Value[T]) Load() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Store replaces the value and notifies subscribers when it changed.
func (v *Value[T]) Store(next T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.storeLocked(next)
}

func (v *Value[T]) storeLocked(next T) bool {
	if v.current == next {
		return false
	}
	v.current = next
	for _, ch := range v.subs {
		select {
		case ch <- next:
		default:
			v.dropped.Add(1)
		}
	}
	return true
}

// CompareAndStore sets next only if the current value equals old.
func (v *Value[T]) CompareAndStore(old, next T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != old {
		return false
	}
	return v.storeLocked(next)
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (v *Value[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many notifications were discarded on full buffers
func (v *Value[T]) Dropped() uint64 {
	return v.dropped.Load()
}
