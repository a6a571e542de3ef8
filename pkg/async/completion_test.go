package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletion_FirstResolveWins(t *testing.T) {
	c := NewCompletion[int]()

	assert.True(t, c.Resolve(1))
	assert.False(t, c.Resolve(2))
	assert.False(t, c.Fail(errors.New("late")))

	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, c.Resolved())
}

func TestCompletion_Fail(t *testing.T) {
	c := NewCompletion[string]()
	boom := errors.New("boom")
	assert.True(t, c.Fail(boom))

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCompletion_WaitHonorsContext(t *testing.T) {
	c := NewCompletion[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok, err := c.Result()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestCompletion_ResultAfterSettle(t *testing.T) {
	c := NewCompletion[int]()
	require.True(t, c.Resolve(7))
	v, ok, err := c.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)

	f := NewCompletion[int]()
	boom := errors.New("boom")
	require.True(t, f.Fail(boom))
	v, ok, err = f.Result()
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v)
}

func TestCompletion_ConcurrentResolvers(t *testing.T) {
	c := NewCompletion[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.Resolve(i) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	<-c.Done()
}

func TestAwait_CallbackBridge(t *testing.T) {
	v, err := Await(context.Background(), func(resolve func(string), fail func(error)) {
		go func() {
			resolve("connected")
			resolve("again")
			fail(errors.New("ignored"))
		}()
	})

	require.NoError(t, err)
	assert.Equal(t, "connected", v)
}
