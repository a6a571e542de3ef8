// Package async bridges callback-style collaborator APIs into blocking calls
// that honor context cancellation.
package async

import (
	"context"
	"sync"
)

// Completion is a one-shot result slot. The first Resolve or Fail wins; later
// calls are no-ops that return false.
type Completion[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	set   bool
	value T
	err   error
}

// NewCompletion creates an unresolved completion
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

func (c *Completion[T]) complete(v T, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return false
	}
	c.set = true
	c.value = v
	c.err = err
	close(c.done)
	return true
}

// Resolve completes with a value
func (c *Completion[T]) Resolve(v T) bool {
	return c.complete(v, nil)
}

// Fail completes with an error
func (c *Completion[T]) Fail(err error) bool {
	var zero T
	return c.complete(zero, err)
}

// Done is closed once the completion resolves
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Resolved reports whether a result is available
func (c *Completion[T]) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Result returns the outcome without blocking. ok is false while pending.
func (c *Completion[T]) Result() (v T, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set, c.err
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		v, _, err := c.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Await starts a callback-based operation and blocks for its first result.
// start receives resolve and fail funcs that are safe to call more than once
// and from any goroutine.
func Await[T any](ctx context.Context, start func(resolve func(T), fail func(error))) (T, error) {
	c := NewCompletion[T]()
	start(func(v T) { c.Resolve(v) }, func(err error) { c.Fail(err) })
	return c.Wait(ctx)
}
