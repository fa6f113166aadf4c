package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolDefaults(t *testing.T) {
	processor := func(context.Context, int) error { return nil }

	pool := NewPool(0, 0, processor)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 256, pool.queueSize)
}

func TestNewPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](2, 10, nil)
	})
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPoolProcessesWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 16, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool {
		return processed.Load() == 10
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool {
		return pool.Submit(2) == nil
	}, time.Second, time.Millisecond)

	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool(1, 8, func(_ context.Context, n int) error {
		if n%2 == 1 {
			return errors.New("odd")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(4), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestSubmitAfterStopTimeoutRejects(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 4, func(_ context.Context, _ int) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool {
		return pool.Stats().QueueDepth == 0
	}, time.Second, time.Millisecond)

	err := pool.Stop(time.Millisecond)
	require.ErrorIs(t, err, ErrStopTimeout)

	// The queue is closed; a late Submit must reject, not panic.
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, pool.Submit(2), ErrPoolStopped)
	})
	close(block)
}

func TestStopIdempotent(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolStopped)
}
