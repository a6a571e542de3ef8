// Package retry provides capped exponential backoff and a generic retry loop
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Schedule yields the delay to wait before a given attempt. Attempt 0 is the
// first try.
type Schedule interface {
	Delay(attempt int) time.Duration
}

// Backoff is the capped exponential delay policy shared by discovery, device
// reconnects and the uplink: delay(0) is zero, delay(r) is
// min(InitialDelay × Multiplier^r, MaxDelay).
type Backoff struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultBackoff returns 1s initial delay, doubling, capped at one minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     60 * time.Second,
	}
}

// Delay returns the wait before attempt r.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.InitialDelay) * math.Pow(mult, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// Verdict tags the result of one attempt.
type Verdict int

const (
	// VerdictSuccess ends the loop with a value
	VerdictSuccess Verdict = iota
	// VerdictRetry schedules another attempt
	VerdictRetry
	// VerdictFatal ends the loop with an error
	VerdictFatal
)

// String returns the verdict name
func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictRetry:
		return "retry"
	case VerdictFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the explicit result of one attempt inside Loop.
type Outcome[T any] struct {
	Verdict Verdict
	Value   T
	Err     error
}

// Success ends the loop with v.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Verdict: VerdictSuccess, Value: v}
}

// Retryable asks the loop to back off and try again.
func Retryable[T any](err error) Outcome[T] {
	return Outcome[T]{Verdict: VerdictRetry, Err: err}
}

// Fatal ends the loop with err.
func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{Verdict: VerdictFatal, Err: err}
}

// FromError maps a plain error result onto an Outcome. Errors marked with
// NonRetryable become fatal.
func FromError[T any](v T, err error) Outcome[T] {
	switch {
	case err == nil:
		return Success(v)
	case IsNonRetryable(err):
		return Fatal[T](err)
	default:
		return Retryable[T](err)
	}
}

// Loop runs fn until it succeeds, fails fatally, exhausts maxAttempts or ctx
// is done. maxAttempts <= 0 means unlimited. Before attempt r the loop sleeps
// sched.Delay(r).
func Loop[T any](ctx context.Context, sched Schedule, maxAttempts int, fn func(attempt int) Outcome[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if d := sched.Delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		out := fn(attempt)
		switch out.Verdict {
		case VerdictSuccess:
			return out.Value, nil
		case VerdictFatal:
			return zero, out.Err
		default:
			lastErr = out.Err
		}
	}

	return zero, fmt.Errorf("retry failed after %d attempts: %w", maxAttempts, lastErr)
}

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config is a bounded retry policy for short operations such as KV updates.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (<= 0 runs once)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add up to 25% randomness to each delay
}

// DefaultConfig returns sensible defaults for short retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Delay implements Schedule. The first retry waits InitialDelay.
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := Backoff{InitialDelay: c.InitialDelay, Multiplier: c.Multiplier, MaxDelay: c.MaxDelay}.Delay(attempt - 1)
	if attempt == 1 {
		d = min(c.InitialDelay, c.MaxDelay)
	}
	if c.AddJitter && d >= 4 {
		randMu.Lock()
		d += time.Duration(randSource.Int63n(int64(d / 4)))
		randMu.Unlock()
	}
	return d
}

func (c Config) normalize() (Config, error) {
	if c.InitialDelay < 0 {
		return c, errors.New("retry: InitialDelay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return c, errors.New("retry: MaxDelay cannot be negative")
	}
	if c.Multiplier < 0 {
		return c, errors.New("retry: Multiplier cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return c, nil
}

// Do executes fn with bounded exponential backoff
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		var zero T
		return zero, err
	}
	return Loop(ctx, cfg, cfg.MaxAttempts, func(int) Outcome[T] {
		return FromError(fn())
	})
}
