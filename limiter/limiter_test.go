package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventstore/errors"
)

func TestNewRejectsNonPositive(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(-3)
	require.Error(t, err)
}

func TestNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	const goroutines = 40

	l, err := New(capacity)
	require.NoError(t, err)

	var inFlight, maxSeen atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			defer l.Release()

			now := inFlight.Add(1)
			for {
				seen := maxSeen.Load()
				if now <= seen || maxSeen.CompareAndSwap(seen, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(capacity))
	assert.Equal(t, int64(0), inFlight.Load())

	// All capacity restored after the storm.
	for i := 0; i < capacity; i++ {
		assert.True(t, l.TryAcquire())
	}
	assert.False(t, l.TryAcquire())
	for i := 0; i < capacity; i++ {
		l.Release()
	}
}

func TestAcquireDeadlineSurfacesOverloaded(t *testing.T) {
	l, err := New(1)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = l.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOverloaded)
	assert.True(t, errors.IsTransient(err))
}

func TestReleaseRestoresCapacityOnErrorPaths(t *testing.T) {
	l, err := New(2)
	require.NoError(t, err)

	// Simulate a failed sub-query: acquire then release on the error path.
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	l.Release()
	l.Release()
}
