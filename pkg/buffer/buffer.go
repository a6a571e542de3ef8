// Package buffer provides a generic, thread-safe circular buffer with
// configurable overflow policies. Statistics are always collected;
// Prometheus metrics are opt-in via WithMetrics.
package buffer

import (
	"fmt"
	"strings"

	"github.com/c360/sensorlink/errors"
)

// Buffer is a bounded FIFO
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// Drain removes and returns every item, oldest first.
	Drain() []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items without counting them as drops.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close releases blocked writers; later writes fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write to block until space is available.
	Block
)

// String returns the configuration name of the policy
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses a configuration name. Empty means DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, errors.WrapInvalid(fmt.Errorf("unknown overflow policy %q", s),
		"buffer", "ParseOverflowPolicy", "policy lookup")
}

// DropCallback is called, outside the buffer lock, with each dropped item
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer. Returns an error if metrics
// registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
