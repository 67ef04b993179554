package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
)

func TestPool_ProcessesWork(t *testing.T) {
	var sum atomic.Int64
	pool, err := NewPool("test", 4, 100, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 1; i <= 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(55), sum.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestPool_Lifecycle(t *testing.T) {
	pool, err := NewPool("test", 1, 1, func(context.Context, string) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit("x"), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit("x"), ErrPoolStopped)
}

func TestPool_NilProcessor(t *testing.T) {
	_, err := NewPool[int]("test", 1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_QueueFullDrops(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once

	pool, err := NewPool("test", 1, 1, func(context.Context, int) error {
		once.Do(started.Done)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	started.Wait() // worker holds item 1
	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(2), stats.Processed)
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var processed atomic.Int64
	pool, err := NewPool("test", 1, 50, func(context.Context, int) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(20), processed.Load())
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	pool, err := NewPool("test", 1, 1, func(context.Context, int) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool("bridge", 2, 10, func(_ context.Context, n int) error {
		if n < 0 {
			return errors.New("negative")
		}
		return nil
	}, WithMetricsRegistry[int](registry))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	require.NoError(t, pool.Submit(-1))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, float64(2), testutil.ToFloat64(pool.metrics.processed))
	assert.Equal(t, float64(1), testutil.ToFloat64(pool.metrics.failed))

	_, err = NewPool("bridge", 1, 1, func(context.Context, int) error { return nil }, WithMetricsRegistry[int](registry))
	assert.Error(t, err)
}
