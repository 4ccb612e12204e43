package scaler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRates struct {
	rate    float64
	ceiling int
}

func (f *fakeRates) CurrentRate() float64 { return f.rate }
func (f *fakeRates) Ceiling() int         { return f.ceiling }

type fakePool struct {
	mu      sync.Mutex
	count   int
	resizes []int
}

func (f *fakePool) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakePool) Resize(target int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = target
	f.resizes = append(f.resizes, target)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestController(rate float64, count int) (*Controller, *fakePool, *fakeClock) {
	rates := &fakeRates{rate: rate, ceiling: 100}
	pool := &fakePool{count: count}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := New(rates, pool, Config{
		BaseWorkers: 4,
		MinWorkers:  1,
		MaxWorkers:  16,
		Cooldown:    30 * time.Second,
	}, clock, zap.NewNop())
	return c, pool, clock
}

func TestTargetBands(t *testing.T) {
	t.Parallel()

	c, pool, _ := newTestController(0, 4)

	cases := []struct {
		utilization float64
		want        int
	}{
		{0.0, 8},  // far below ceiling: double the base
		{0.24, 8},
		{0.25, 6}, // modest headroom: 1.5x base
		{0.49, 6},
		{0.5, 4},  // hold zone returns the current count
		{0.74, 4},
		{0.75, 3}, // approaching ceiling: shed workers
		{0.89, 3},
		{0.9, 2}, // at the ceiling: halve the base
		{1.0, 2},
	}
	for _, tc := range cases {
		pool.count = 4
		require.Equal(t, tc.want, c.Target(tc.utilization), "utilization %.2f", tc.utilization)
	}
}

func TestTargetClampsToBounds(t *testing.T) {
	t.Parallel()

	rates := &fakeRates{ceiling: 100}
	pool := &fakePool{count: 2}
	c := New(rates, pool, Config{
		BaseWorkers: 2,
		MinWorkers:  2,
		MaxWorkers:  3,
	}, nil, zap.NewNop())

	require.Equal(t, 3, c.Target(0.1), "2x base clamps to max")
	require.Equal(t, 2, c.Target(0.95), "half base clamps to min")
}

func TestEvaluateScalesUpWhenUnderutilized(t *testing.T) {
	t.Parallel()

	c, pool, _ := newTestController(10, 4) // utilization 0.10
	c.Evaluate()
	require.Equal(t, []int{8}, pool.resizes)
}

func TestEvaluateHoldsInMiddleBand(t *testing.T) {
	t.Parallel()

	c, pool, _ := newTestController(60, 4) // utilization 0.60
	c.Evaluate()
	require.Empty(t, pool.resizes)
}

func TestEvaluateCooldownBlocksConsecutiveActions(t *testing.T) {
	t.Parallel()

	c, pool, clock := newTestController(10, 4)

	c.Evaluate()
	require.Len(t, pool.resizes, 1)

	// Utilization now argues for shrinking, but the cooldown has not elapsed.
	c.rates.(*fakeRates).rate = 95
	clock.now = clock.now.Add(10 * time.Second)
	c.Evaluate()
	require.Len(t, pool.resizes, 1)

	clock.now = clock.now.Add(30 * time.Second)
	c.Evaluate()
	require.Equal(t, []int{8, 2}, pool.resizes)
}

func TestEvaluateSkipsEmptyPool(t *testing.T) {
	t.Parallel()

	c, pool, _ := newTestController(10, 0)
	c.Evaluate()
	require.Empty(t, pool.resizes)
}
