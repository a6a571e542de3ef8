package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU(2, WithEvictCallback(func(key string, _ int) { evicted = append(evicted, key) }))
	require.NoError(t, err)

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)
	_, _ = c.Set("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	_, _ = c.Set("c", 3)
	assert.Equal(t, []string{"b"}, evicted)

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestLRU_UpdateExisting(t *testing.T) {
	c, err := NewLRU[string](4)
	require.NoError(t, err)

	_, _ = c.Set("k", "v1")
	created, err := c.Set("k", "v2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestLRU_TTL(t *testing.T) {
	c, err := NewLRU(4, WithTTL[int](time.Minute))
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	_, _ = c.Set("k", 1)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestLRU_DeleteAndClear(t *testing.T) {
	c, err := NewLRU[int](4)
	require.NoError(t, err)
	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, _ = c.Delete("a")
	assert.False(t, deleted)

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestLRU_Validation(t *testing.T) {
	_, err := NewLRU[int](0)
	assert.True(t, errors.IsInvalid(err))

	c, err := NewLRU[int](1)
	require.NoError(t, err)
	_, err = c.Set("", 1)
	assert.True(t, errors.IsInvalid(err))
	_, err = c.Delete("")
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_Stats(t *testing.T) {
	c, err := NewLRU[int](4)
	require.NoError(t, err)
	_, _ = c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
	assert.InDelta(t, 2.0/3.0, s.HitRatio(), 1e-9)
	assert.Equal(t, 0.0, Stats{}.HitRatio())
}
