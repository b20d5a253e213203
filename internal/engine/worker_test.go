package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	pool.Wait()
	assert.Equal(t, int64(20), ran.Load())
	assert.Equal(t, int64(20), pool.Metrics().Completed)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var mu sync.Mutex
	active, peak := 0, 0
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}))
	}
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestWorkerPoolCountsFailures(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Failed)
	assert.Equal(t, int64(0), pool.Metrics().Completed)
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("worker blew up")
	}))
	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	pool.Wait()

	assert.True(t, ran.Load())
	assert.Equal(t, int64(1), pool.Metrics().Panics)
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}
