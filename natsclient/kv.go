package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/pkg/retry"
)

// KVEntry wraps a KV entry with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout       time.Duration // Operation timeout
	MaxValueSize  int           // Maximum size for values
	MaxRetries    int           // CAS conflicts retried by UpdateWithRetry
	RetryDelay    time.Duration // Delay before the first CAS retry
	MaxRetryDelay time.Duration // Cap on the CAS retry delay
}

// DefaultKVOptions returns a 5s timeout, a 1MB value limit and ten CAS
// retries
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:       5 * time.Second,
		MaxValueSize:  1024 * 1024,
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 500 * time.Millisecond,
	}
}

// KVStore provides timeout-bounded KV operations over a bucket
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore creates a new KV store with the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put creates or updates a key (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.WrapInvalid(fmt.Errorf("value size %d exceeds %d", len(value), kv.options.MaxValueSize),
			"KVStore", "Put", "size check")
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	kv.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Update writes value only if the key is still at revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.WrapInvalid(fmt.Errorf("value size %d exceeds %d", len(value), kv.options.MaxValueSize),
			"KVStore", "Update", "size check")
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	kv.logger.Debug("KV update", "key", key, "old_revision", revision, "revision", rev)
	return rev, nil
}

func (kv *KVStore) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// UpdateWithRetry reads the key, applies updateFn and writes the result at
// the read revision, retrying on conflicts. A missing key reaches updateFn
// as nil and is created. Errors from updateFn are returned without retry.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	cfg := kv.retryConfig()
	attempt := 0
	err := retry.Do(ctx, cfg, func() error {
		attempt++

		var (
			current  []byte
			revision uint64
		)
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !IsKVNotFoundError(err):
			return fmt.Errorf("kv get failed during update: %w", err)
		}

		next, err := updateFn(current)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if kv.options.MaxValueSize > 0 && len(next) > kv.options.MaxValueSize {
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("value size %d exceeds %d", len(next), kv.options.MaxValueSize),
				"KVStore", "UpdateWithRetry", "size check"))
		}

		if revision == 0 {
			_, err = kv.bucket.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if err != nil && IsKVConflictError(err) {
			kv.logger.Debug("KV update conflict, retrying", "key", key, "attempt", attempt, "max", cfg.MaxAttempts)
			return ErrKVRevisionMismatch
		}
		if err != nil {
			return fmt.Errorf("kv write %s: %w", key, err)
		}
		return nil
	})

	var nre *retry.NonRetryableError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &nre):
		return nre.Err
	case IsKVConflictError(err):
		return ErrKVMaxRetriesExceeded
	}
	return err
}

// Delete removes a key from the bucket
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys lists the live keys in the bucket
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "key not found") || strings.Contains(errMsg, "10037")
}

// IsKVConflictError reports a revision mismatch or an existing key
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") || strings.Contains(errMsg, "10071") ||
		strings.Contains(errMsg, "key exists") || strings.Contains(errMsg, "10058")
}

var (
	// ErrKVKeyNotFound is returned when a key is absent or deleted
	ErrKVKeyNotFound = fmt.Errorf("kv: %w", errors.ErrKeyNotFound)
	// ErrKVRevisionMismatch is returned when a CAS write lost a race
	ErrKVRevisionMismatch = errors.New("kv: revision mismatch (concurrent update)")
	// ErrKVMaxRetriesExceeded is returned when UpdateWithRetry kept conflicting
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
)
