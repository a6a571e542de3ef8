package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/metric"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	v, ok := buf.Peek()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, []int{2, 3}, buf.Drain())
	assert.True(t, buf.IsEmpty())
	assert.Nil(t, buf.Drain())

	_, ok = buf.Read()
	assert.False(t, ok)
}

func TestCircularBuffer_DropOldest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer(3, WithDropCallback(func(item int) { dropped = append(dropped, item) }))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.True(t, buf.IsFull())
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, buf.Drain())
	assert.Equal(t, int64(2), buf.Stats().Drops())
	assert.Equal(t, int64(5), buf.Stats().Writes())
	assert.Equal(t, int64(3), buf.Stats().MaxSize())
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer(2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback(func(item int) { dropped = append(dropped, item) }))
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, []int{3, 4}, dropped)
	assert.Equal(t, []int{1, 2}, buf.Drain())
	assert.InDelta(t, 0.5, buf.Stats().DropRate(), 1e-9)
}

func TestCircularBuffer_BlockUntilRead(t *testing.T) {
	buf, err := NewCircularBuffer(1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() { done <- buf.Write(2) }()

	select {
	case <-done:
		t.Fatal("write should block while full")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)

	v, _ = buf.Read()
	assert.Equal(t, 2, v)
}

func TestCircularBuffer_CloseReleasesBlockedWriter(t *testing.T) {
	buf, err := NewCircularBuffer(1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		writeErr = buf.Write(2)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())
	wg.Wait()

	assert.ErrorIs(t, writeErr, errors.ErrShuttingDown)
	assert.ErrorIs(t, buf.Write(3), errors.ErrShuttingDown)
}

func TestCircularBuffer_Clear(t *testing.T) {
	buf, err := NewCircularBuffer[string](2)
	require.NoError(t, err)
	require.NoError(t, buf.Write("a"))
	buf.Clear()
	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 2, buf.Capacity())
	assert.Equal(t, int64(0), buf.Stats().Drops())
}

func TestCircularBuffer_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_, err := NewCircularBuffer(2, WithMetrics[int](registry, "uplink"))
	require.NoError(t, err)

	_, err = NewCircularBuffer(2, WithMetrics[int](registry, "uplink"))
	assert.Error(t, err)
}

func TestParseOverflowPolicy(t *testing.T) {
	for _, p := range []OverflowPolicy{DropOldest, DropNewest, Block} {
		got, err := ParseOverflowPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, got)

	_, err = ParseOverflowPolicy("spill")
	assert.True(t, errors.IsInvalid(err))
}
