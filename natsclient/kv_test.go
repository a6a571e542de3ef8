package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
)

type memEntry struct {
	jetstream.KeyValueEntry
	value    []byte
	revision uint64
}

func (e memEntry) Value() []byte    { return e.value }
func (e memEntry) Revision() uint64 { return e.revision }

// memBucket implements the KeyValue calls KVStore makes. onWrite runs before
// each Create or Update and may race a competing write in.
type memBucket struct {
	jetstream.KeyValue

	mu      sync.Mutex
	rev     uint64
	data    map[string]memEntry
	onWrite func()
}

func newMemBucket() *memBucket { return &memBucket{data: make(map[string]memEntry)} }

func (b *memBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (b *memBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rev++
	b.data[key] = memEntry{value: value, revision: b.rev}
	return b.rev, nil
}

func (b *memBucket) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	b.rev++
	b.data[key] = memEntry{value: value, revision: b.rev}
	return b.rev, nil
}

func (b *memBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.hook()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data[key].revision != revision {
		return 0, fmt.Errorf("nats: wrong last sequence: %d", b.data[key].revision)
	}
	b.rev++
	b.data[key] = memEntry{value: value, revision: b.rev}
	return b.rev, nil
}

func (b *memBucket) hook() {
	b.mu.Lock()
	fn := b.onWrite
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func newTestKV(bucket jetstream.KeyValue) *KVStore {
	opts := DefaultKVOptions()
	opts.RetryDelay = time.Millisecond
	return &KVStore{bucket: bucket, options: opts, logger: slog.Default()}
}

func TestKVStore_UpdateRevisionMismatch(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(newMemBucket())

	rev, err := kv.Put(ctx, "AABB", []byte("v1"))
	require.NoError(t, err)

	next, err := kv.Update(ctx, "AABB", []byte("v2"), rev)
	require.NoError(t, err)
	assert.Greater(t, next, rev)

	_, err = kv.Update(ctx, "AABB", []byte("stale"), rev)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	entry, err := kv.Get(ctx, "AABB")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value)
}

func TestKVStore_UpdateWithRetryReappliesOnConflict(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	kv := newTestKV(bucket)

	_, err := kv.Put(ctx, "AABB", []byte("a"))
	require.NoError(t, err)

	// A competing writer lands between the first read and its write.
	var once sync.Once
	bucket.onWrite = func() {
		once.Do(func() {
			_, err := bucket.Put(ctx, "AABB", []byte("a+other"))
			require.NoError(t, err)
		})
	}

	calls := 0
	err = kv.UpdateWithRetry(ctx, "AABB", func(current []byte) ([]byte, error) {
		calls++
		return append(append([]byte(nil), current...), "+mine"...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	entry, err := kv.Get(ctx, "AABB")
	require.NoError(t, err)
	assert.Equal(t, "a+other+mine", string(entry.Value), "competing write must survive")
}

func TestKVStore_UpdateWithRetryCreatesMissing(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(newMemBucket())

	err := kv.UpdateWithRetry(ctx, "AABB", func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte("new"), nil
	})
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "AABB")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), entry.Value)
}

func TestKVStore_UpdateWithRetryFunctionError(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(newMemBucket())

	calls := 0
	err := kv.UpdateWithRetry(ctx, "AABB", func([]byte) ([]byte, error) {
		calls++
		return nil, errors.ErrKeyNotFound
	})
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.Equal(t, 1, calls)
}

func TestKVStore_UpdateWithRetryExhausted(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	kv := newTestKV(bucket)
	kv.options.MaxRetries = 2

	_, err := kv.Put(ctx, "AABB", []byte("a"))
	require.NoError(t, err)
	bucket.onWrite = func() {
		_, _ = bucket.Put(ctx, "AABB", []byte("b"))
	}

	err = kv.UpdateWithRetry(ctx, "AABB", func(current []byte) ([]byte, error) { return current, nil })
	assert.ErrorIs(t, err, ErrKVMaxRetriesExceeded)
}

func TestIsKVConflictError(t *testing.T) {
	assert.False(t, IsKVConflictError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 7")))
	assert.False(t, IsKVConflictError(ErrKVKeyNotFound))
}
