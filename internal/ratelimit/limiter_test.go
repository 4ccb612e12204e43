package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireUnderCeilingIsImmediate(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := New(3, clock)

	for i := 0; i < 3; i++ {
		waited, err := l.Acquire(context.Background())
		require.NoError(t, err)
		require.Zero(t, waited)
	}
	require.Equal(t, 3.0, l.CurrentRate())
	require.Equal(t, 3, l.Ceiling())
}

func TestAcquireBlocksAtCeiling(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := New(2, clock)
	l.sleep = func(_ context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}

	for i := 0; i < 2; i++ {
		_, err := l.Acquire(context.Background())
		require.NoError(t, err)
	}

	// The third admission has to wait for the oldest one to age out of the
	// trailing window.
	waited, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, waited, time.Minute)

	// Only the fresh admission should remain in the window.
	require.Equal(t, 1.0, l.CurrentRate())
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := New(2, clock)

	for i := 0; i < 2; i++ {
		_, err := l.Acquire(context.Background())
		require.NoError(t, err)
	}

	clock.Advance(61 * time.Second)

	waited, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.Zero(t, waited)
	require.Equal(t, 1.0, l.CurrentRate())
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := New(1, clock)

	_, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAcquiresNeverExceedCeiling(t *testing.T) {
	t.Parallel()

	l := New(100, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background()); err != nil {
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50.0, l.CurrentRate())
}

func TestZeroRPMFallsBackToOne(t *testing.T) {
	t.Parallel()

	l := New(0, nil)
	require.Equal(t, 1, l.Ceiling())
}
