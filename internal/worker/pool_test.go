package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/queue"
	"github.com/policyatlas/metabatch/internal/ratelimit"
)

func newTestPool(analyzer engine.Analyzer, q *queue.Queue, results chan engine.Outcome) *Pool {
	return NewPool(q, results, analyzer, ratelimit.New(10000, nil), nil, Config{}, zap.NewNop())
}

func TestPoolStartAndResize(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(validStrict), nil
	}}
	q := queue.New(8)
	results := make(chan engine.Outcome, 8)
	pool := newTestPool(fa, q, results)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx, 2)
	require.Equal(t, 2, pool.Count())

	pool.Resize(5)
	require.Equal(t, 5, pool.Count())

	pool.Resize(1)
	require.Eventually(t, func() bool {
		return pool.Count() == 1
	}, 2*time.Second, 10*time.Millisecond, "retired workers should exit")

	q.Close()
	pool.Wait()
	require.Zero(t, pool.Count())
}

func TestRetiredWorkerFinishesCurrentTask(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		close(started)
		<-release
		return []byte(validStrict), nil
	}}
	q := queue.New(2)
	results := make(chan engine.Outcome, 2)
	pool := newTestPool(fa, q, results)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Push(ctx, engine.Task{ID: "slow.pdf"}))
	pool.Start(ctx, 1)

	<-started
	pool.Resize(0)
	require.Zero(t, pool.Count())

	// The worker is mid-task; retirement must not abort it.
	release <- struct{}{}
	outcome := <-results
	require.False(t, outcome.Failed())
	require.Equal(t, "slow.pdf", outcome.Task.ID)

	q.Close()
	pool.Wait()
}

func TestPoolWorkersDrainQueue(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(validStrict), nil
	}}
	q := queue.New(16)
	results := make(chan engine.Outcome, 16)
	pool := newTestPool(fa, q, results)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Push(ctx, engine.Task{ID: string(rune('a' + i))}))
	}
	q.Close()

	pool.Start(ctx, 3)
	pool.Wait()

	require.Len(t, results, 10)
	require.Zero(t, pool.Count())
}

func TestResizeNegativeTargetClampsToZero(t *testing.T) {
	t.Parallel()

	q := queue.New(1)
	pool := newTestPool(&fakeAnalyzer{}, q, make(chan engine.Outcome, 1))
	pool.Start(context.Background(), 1)
	pool.Resize(-3)
	require.Zero(t, pool.Count())
	q.Close()
	pool.Wait()
}
