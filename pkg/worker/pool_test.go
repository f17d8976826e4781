package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/metric"
)

func TestPool_ProcessesAndDrainsOnStop(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	pool := NewPool(2, 100, func(_ context.Context, v int) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(within(t, 5*time.Second)))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 50)

	stats := pool.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(within(t, time.Second)))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
	assert.NoError(t, pool.Stop(within(t, time.Second)))
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// One in flight, one queued, then the queue is full.
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(within(t, time.Second)))
}

func TestPool_ErrorHandler(t *testing.T) {
	metrics, err := NewMetrics(metric.NewMetricsRegistry())
	require.NoError(t, err)

	var failures atomic.Int32
	pool := NewPool(1, 10,
		func(_ context.Context, v int) error {
			if v%2 == 0 {
				return errors.New("disk full")
			}
			return nil
		},
		WithErrorHandler(func(int, error) { failures.Add(1) }),
		WithMetrics[int](metrics, "sync_archive"),
	)
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(within(t, time.Second)))

	assert.Equal(t, int32(3), failures.Load())
	assert.Equal(t, int64(3), pool.Stats().Failed)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.depth.WithLabelValues("sync_archive")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.duration))
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() { NewPool[int](1, 1, nil) })
}

func TestPool_PanicCountsAsFailure(t *testing.T) {
	var got error
	pool := NewPool(1, 4,
		func(_ context.Context, v int) error {
			if v == 2 {
				panic(fmt.Sprintf("bad item %d", v))
			}
			return nil
		},
		WithErrorHandler(func(_ int, err error) { got = err }))
	require.NoError(t, pool.Start(context.Background()))
	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(within(t, time.Second)))

	require.ErrorIs(t, got, ErrPanicked)
	assert.Contains(t, got.Error(), "bad item 2")
	assert.Equal(t, int64(3), pool.Stats().Processed)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_StopDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := NewPool(1, 4, func(ctx context.Context, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	require.NoError(t, pool.Submit(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pool.Stop(ctx), ErrStopTimeout)
}

func within(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
