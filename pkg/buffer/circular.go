package buffer

import (
	"sync"

	"github.com/c360/sensorlink/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb, nil
}

// Write adds an item according to the overflow policy
func (cb *circularBuffer[T]) Write(item T) error {
	dropped, hasDropped, err := cb.write(item)
	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return err
}

func (cb *circularBuffer[T]) write(item T) (dropped T, hasDropped bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped, hasDropped = cb.popLocked(), true
			cb.stats.overflow()
			cb.metrics.recordDrop()
		case DropNewest:
			cb.stats.overflow()
			cb.metrics.recordDrop()
			return item, true, nil
		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				return dropped, false, errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.write(cb.size)
	cb.metrics.recordWrite(cb.size, cb.capacity)
	return dropped, hasDropped, nil
}

// popLocked removes the oldest item. Caller holds mu and size > 0.
func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

// Read retrieves and removes one item
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	item := cb.popLocked()
	cb.stats.read(1, cb.size)
	cb.metrics.recordRead(1, cb.size, cb.capacity)
	cb.notFull.Signal()
	return item, true
}

// Drain removes every item, oldest first
func (cb *circularBuffer[T]) Drain() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}
	out := make([]T, 0, cb.size)
	for cb.size > 0 {
		out = append(out, cb.popLocked())
	}
	cb.stats.read(len(out), 0)
	cb.metrics.recordRead(len(out), 0, cb.capacity)
	cb.notFull.Broadcast()
	return out
}

// Peek retrieves one item without removing it
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Size returns the current number of items
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// IsFull reports whether the buffer is at capacity
func (cb *circularBuffer[T]) IsFull() bool {
	return cb.Size() == cb.capacity
}

// IsEmpty reports whether the buffer holds no items
func (cb *circularBuffer[T]) IsEmpty() bool {
	return cb.Size() == 0
}

// Clear removes all items
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.head, cb.tail, cb.size = 0, 0, 0
	cb.stats.setSize(0)
	cb.metrics.updateSize(0, cb.capacity)
	cb.notFull.Broadcast()
}

// Stats returns buffer statistics
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close wakes blocked writers and rejects later writes
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	cb.notFull.Broadcast()
	return nil
}
