package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTask(t *testing.T) {
	pool := NewPool(2, 8, nil, nil)
	defer pool.Stop(time.Second)

	var ran atomic.Bool
	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		ran.Store(true)
		close(done)
	}))

	<-done
	assert.True(t, ran.Load())
}

func TestSubmitWaitBlocksUntilDone(t *testing.T) {
	pool := NewPool(1, 4, nil, nil)
	defer pool.Stop(time.Second)

	var value int
	err := pool.SubmitWait(context.Background(), func() {
		time.Sleep(10 * time.Millisecond)
		value = 42
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestSubmitWaitHonorsContext(t *testing.T) {
	pool := NewPool(1, 4, nil, nil)
	defer pool.Stop(time.Second)

	// Occupy the single worker.
	blocker := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-blocker }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
}

func TestQueueFull(t *testing.T) {
	pool := NewPool(1, 1, nil, nil)
	defer pool.Stop(time.Second)

	blocker := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-blocker }))

	// Worker busy; one slot in the queue, then rejections.
	var errFull error
	for i := 0; i < 3; i++ {
		if err := pool.Submit(func() {}); err != nil {
			errFull = err
			break
		}
	}
	assert.ErrorIs(t, errFull, ErrQueueFull)

	close(blocker)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	pool := NewPool(2, 16, nil, nil)

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			completed.Add(1)
		}))
	}

	assert.True(t, pool.Stop(2*time.Second))
	wg.Wait()
	assert.Equal(t, int32(10), completed.Load())

	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolClosed)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), func() {}), ErrPoolClosed)
}

func TestStopTimesOutOnStuckWork(t *testing.T) {
	pool := NewPool(1, 4, nil, nil)

	blocker := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-blocker }))

	assert.False(t, pool.Stop(20*time.Millisecond))
	close(blocker)
}

func TestStopIsIdempotent(t *testing.T) {
	pool := NewPool(1, 4, nil, nil)
	assert.True(t, pool.Stop(time.Second))
	assert.True(t, pool.Stop(time.Second))
}

func TestConcurrentSubmitters(t *testing.T) {
	pool := NewPool(4, 128, nil, nil)

	var completed atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				err := pool.SubmitWait(context.Background(), func() {
					completed.Add(1)
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(128), completed.Load())
	assert.True(t, pool.Stop(time.Second))
}
