package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzni/virtual-try-on/internal/domain/failures"
	"github.com/buzzni/virtual-try-on/internal/domain/repositories"
)

func newScheduler(t *testing.T, cfg ClassConfig) *Scheduler {
	t.Helper()
	s, err := New(map[repositories.ResourceClass]ClassConfig{
		repositories.GPUClass: cfg,
		repositories.CPUClass: {MaxConcurrent: 4},
	}, nil)
	require.NoError(t, err)
	return s
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 2})

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Acquire(context.Background(), repositories.GPUClass)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			s.Release(p)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, int64(0), s.Stats(repositories.GPUClass).InUse)
}

func TestScheduler_QueueTimeout(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 1, QueueTimeout: 20 * time.Millisecond})

	held, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)
	defer s.Release(held)

	start := time.Now()
	_, err = s.Acquire(context.Background(), repositories.GPUClass)
	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats(repositories.GPUClass).TimedOut)
}

func TestScheduler_QueueDepthBackpressure(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 1, MaxQueueDepth: 1})

	held, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)

	waiterDone := make(chan error, 1)
	go func() {
		p, err := s.Acquire(context.Background(), repositories.GPUClass)
		s.Release(p)
		waiterDone <- err
	}()
	require.Eventually(t, func() bool {
		return s.Stats(repositories.GPUClass).Waiting == 1
	}, time.Second, time.Millisecond)

	_, err = s.Acquire(context.Background(), repositories.GPUClass)
	assert.ErrorIs(t, err, failures.ErrQueueTimeout, "a full queue rejects immediately")
	assert.Equal(t, uint64(1), s.Stats(repositories.GPUClass).Rejected)

	s.Release(held)
	assert.NoError(t, <-waiterDone)
}

func TestScheduler_CancelWhileWaitingHoldsNothing(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 1})

	held, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, repositories.GPUClass)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return s.Stats(repositories.GPUClass).Waiting == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	s.Release(held)
	stats := s.Stats(repositories.GPUClass)
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, int64(0), stats.Waiting)

	// the capacity is fully available again
	p, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)
	s.Release(p)
}

func TestScheduler_ReleaseIsIdempotent(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 1})

	p, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)
	s.Release(p)
	s.Release(p)
	s.Release(nil)

	assert.Equal(t, int64(0), s.Stats(repositories.GPUClass).InUse)

	// a double release must not have created a second slot
	a, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, repositories.GPUClass)
	assert.Error(t, err)
	s.Release(a)
}

func TestScheduler_FIFOAdmission(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 1})

	held, err := s.Acquire(context.Background(), repositories.GPUClass)
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			p, err := s.Acquire(context.Background(), repositories.GPUClass)
			if err == nil {
				order <- i
				s.Release(p)
			}
		}()
		require.Eventually(t, func() bool {
			return s.Stats(repositories.GPUClass).Waiting == int64(i+1)
		}, time.Second, time.Millisecond)
	}

	s.Release(held)
	for want := 0; want < 3; want++ {
		assert.Equal(t, want, <-order)
	}
}

func TestScheduler_UnknownClass(t *testing.T) {
	s := newScheduler(t, ClassConfig{MaxConcurrent: 1})
	_, err := s.Acquire(context.Background(), "tpu")
	assert.ErrorIs(t, err, failures.ErrInternal)
}
