package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/queue"
	"github.com/policyatlas/metabatch/internal/ratelimit"
)

const (
	validStrict  = `{"title": {"value": "National Cancer Plan", "confidence": 0.9}}`
	garbage      = `{broken output that no repair can save`
	singleQuoted = `{'title': {'value': 'National Cancer Plan', 'confidence': 0.9}}`
	flatOnly     = `{"title": "National Cancer Plan", "doc_type": "Policy"}`
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	modes []engine.SchemaMode
	fn    func(ctx context.Context, call int, mode engine.SchemaMode) ([]byte, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ engine.Task, mode engine.SchemaMode) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	return f.fn(ctx, call, mode)
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAnalyzer) calledModes() []engine.SchemaMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.SchemaMode, len(f.modes))
	copy(out, f.modes)
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func newTestWorker(t *testing.T, analyzer engine.Analyzer, cfg Config) (*Worker, chan engine.Outcome, *sleepRecorder) {
	t.Helper()
	results := make(chan engine.Outcome, 8)
	rec := &sleepRecorder{}
	w := newWorker(1, queue.New(8), results, analyzer, ratelimit.New(10000, nil), nil, cfg, zap.NewNop())
	w.sleep = rec.sleep
	return w, results, rec
}

func TestProcessTaskSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(validStrict), nil
	}}
	w, results, _ := newTestWorker(t, fa, Config{})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.False(t, outcome.Failed())
	require.Equal(t, "National Cancer Plan", *outcome.Record.Title.Value)
	require.Equal(t, 1, outcome.Diagnostics.Attempts)
	require.False(t, outcome.Diagnostics.UsedRepair)
	require.False(t, outcome.Diagnostics.UsedFallback)
	require.Equal(t, 1, fa.callCount())
}

func TestSchemaTierEscalatesStrictRepairSimplified(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(garbage), nil
	}}
	w, results, _ := newTestWorker(t, fa, Config{RepairAttempts: 3})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.True(t, outcome.Failed())
	require.Equal(t, engine.FailureSchema, outcome.Kind)
	require.Equal(t, 3, outcome.Attempts)
	require.Equal(t, []engine.SchemaMode{
		engine.SchemaStrict,
		engine.SchemaStrict,
		engine.SchemaSimplified,
	}, fa.calledModes())
}

func TestRepairRecoversOnSecondAttempt(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(singleQuoted), nil
	}}
	w, results, _ := newTestWorker(t, fa, Config{})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.False(t, outcome.Failed())
	require.Equal(t, 2, outcome.Diagnostics.Attempts)
	require.True(t, outcome.Diagnostics.UsedRepair)
	require.False(t, outcome.Diagnostics.UsedFallback)
}

func TestSimplifiedSchemaIsFinalFallback(t *testing.T) {
	t.Parallel()

	// Valid JSON, but flat values where the strict schema wants
	// confidence-scored objects. Only the simplified reissue can parse it.
	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(flatOnly), nil
	}}
	w, results, _ := newTestWorker(t, fa, Config{})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.False(t, outcome.Failed())
	require.True(t, outcome.Diagnostics.UsedFallback)
	require.Equal(t, 3, outcome.Diagnostics.Attempts)
	require.Equal(t, "Policy", *outcome.Record.DocType.Value)
	require.Equal(t, 0.5, outcome.Record.DocType.Confidence)
}

func TestTransientErrorsBackOffDoubling(t *testing.T) {
	t.Parallel()

	// Unclassified errors get the transient tier by default.
	fa := &fakeAnalyzer{fn: func(_ context.Context, call int, _ engine.SchemaMode) ([]byte, error) {
		if call <= 2 {
			return nil, errors.New("connection reset")
		}
		return []byte(validStrict), nil
	}}
	w, results, rec := newTestWorker(t, fa, Config{BackoffBase: 2 * time.Second})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.False(t, outcome.Failed())
	require.Equal(t, 3, outcome.Diagnostics.Attempts)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.recorded())
}

func TestTransientRetriesExhaust(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return nil, engine.NewTransientError(errors.New("service returned 503"))
	}}
	w, results, rec := newTestWorker(t, fa, Config{TransientRetries: 2, BackoffBase: time.Second})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.True(t, outcome.Failed())
	require.Equal(t, engine.FailureTransient, outcome.Kind)
	require.Equal(t, 3, outcome.Attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.recorded())
}

func TestUnrecoverableInputFailsImmediately(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return nil, engine.NewUnrecoverableError(errors.New("document is empty"))
	}}
	w, results, rec := newTestWorker(t, fa, Config{})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.True(t, outcome.Failed())
	require.Equal(t, engine.FailureUnrecoverable, outcome.Kind)
	require.Equal(t, 1, outcome.Attempts)
	require.Equal(t, 1, fa.callCount())
	require.Empty(t, rec.recorded())
}

func TestCallTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(ctx context.Context, call int, _ engine.SchemaMode) ([]byte, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte(validStrict), nil
	}}
	w, results, rec := newTestWorker(t, fa, Config{CallTimeout: 20 * time.Millisecond})

	w.processTask(context.Background(), engine.Task{ID: "a.pdf"})

	outcome := <-results
	require.False(t, outcome.Failed())
	require.Equal(t, 2, outcome.Diagnostics.Attempts)
	require.Len(t, rec.recorded(), 1)
}

func TestInterruptedTaskEmitsNoOutcome(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		// Simulate a shutdown arriving while the call is in flight.
		cancel()
		return nil, engine.NewTransientError(errors.New("connection reset"))
	}}
	w, results, _ := newTestWorker(t, fa, Config{})

	w.processTask(ctx, engine.Task{ID: "a.pdf"})

	// The task stays pending for the next run; nothing is recorded.
	require.Empty(t, results)
}

func TestRunExitsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, _ int, _ engine.SchemaMode) ([]byte, error) {
		return []byte(validStrict), nil
	}}
	results := make(chan engine.Outcome, 8)
	q := queue.New(8)
	w := newWorker(1, q, results, fa, ratelimit.New(10000, nil), nil, Config{}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, q.Push(ctx, engine.Task{ID: "a.pdf"}))
	require.NoError(t, q.Push(ctx, engine.Task{ID: "b.pdf"}))
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after queue close")
	}
	require.Len(t, results, 2)
}
