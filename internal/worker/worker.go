// Package worker implements the per-task analysis loop and the dynamically
// sized pool executing it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/enrich"
	"github.com/policyatlas/metabatch/internal/queue"
	"github.com/policyatlas/metabatch/internal/ratelimit"
	"github.com/policyatlas/metabatch/internal/repair"
	"github.com/policyatlas/metabatch/internal/telemetry"
)

// Config controls the retry and repair policy.
type Config struct {
	// RepairAttempts bounds the schema tier: strict, repair, simplified.
	RepairAttempts int
	// TransientRetries bounds backoff retries for network/service errors.
	TransientRetries int
	// BackoffBase is the first transient backoff delay; it doubles per retry.
	BackoffBase time.Duration
	// CallTimeout wraps each external call; a timeout is a transient error.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RepairAttempts <= 0 {
		c.RepairAttempts = 3
	}
	if c.TransientRetries <= 0 {
		c.TransientRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	return c
}

// Worker pulls tasks from the queue and emits exactly one Outcome per task
// into the results channel. It never touches the progress record.
type Worker struct {
	id       int
	queue    *queue.Queue
	results  chan<- engine.Outcome
	analyzer engine.Analyzer
	limiter  *ratelimit.Limiter
	gate     *enrich.Gate
	cfg      Config
	logger   *zap.Logger
	retire   chan struct{}

	// sleep is swapped out in tests to keep backoff instant.
	sleep func(ctx context.Context, d time.Duration) error
}

func newWorker(
	id int,
	q *queue.Queue,
	results chan<- engine.Outcome,
	analyzer engine.Analyzer,
	limiter *ratelimit.Limiter,
	gate *enrich.Gate,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    q,
		results:  results,
		analyzer: analyzer,
		limiter:  limiter,
		gate:     gate,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.Int("worker", id)),
		retire:   make(chan struct{}),
		sleep:    sleepCtx,
	}
}

// Run blocks, consuming tasks until the queue closes, the context finishes,
// or the worker is retired by the scaling controller. Retirement is graceful:
// the current task always runs to its terminal outcome first.
func (w *Worker) Run(ctx context.Context) {
	popCtx, cancelPop := context.WithCancel(ctx)
	defer cancelPop()
	go func() {
		select {
		case <-w.retire:
			cancelPop()
		case <-popCtx.Done():
		}
	}()

	for {
		task, err := w.queue.Pop(popCtx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				w.logger.Debug("queue drained, worker exiting")
			}
			return
		}
		w.processTask(ctx, task)
	}
}

// processTask drives one task to a terminal outcome through the tiered
// retry/repair policy. If the run is interrupted mid-task, no outcome is
// emitted and the task stays pending for the next run.
func (w *Worker) processTask(ctx context.Context, task engine.Task) {
	start := time.Now()
	var (
		schemaAttempt    int
		transientAttempt int
		totalAttempts    int
		waited           time.Duration
		usedRepair       bool
	)

	for {
		if ctx.Err() != nil {
			w.logger.Warn("run interrupted, abandoning task for next run",
				zap.String("task_id", task.ID),
			)
			return
		}

		wt, err := w.limiter.Acquire(ctx)
		waited += wt
		if err != nil {
			return
		}

		mode := engine.SchemaStrict
		if schemaAttempt >= w.cfg.RepairAttempts-1 {
			mode = engine.SchemaSimplified
		}

		raw, callErr := w.analyze(ctx, task, mode)
		totalAttempts++

		if callErr != nil {
			kind := engine.Classify(callErr)
			switch kind {
			case engine.FailureUnrecoverable:
				w.emitFailure(task, start, waited, engine.FailureUnrecoverable, callErr.Error(), totalAttempts, usedRepair)
				return
			case engine.FailureSchema:
				schemaAttempt++
				if schemaAttempt >= w.cfg.RepairAttempts {
					w.emitFailure(task, start, waited, engine.FailureSchema, callErr.Error(), schemaAttempt, usedRepair)
					return
				}
			default:
				transientAttempt++
				if transientAttempt > w.cfg.TransientRetries {
					w.emitFailure(task, start, waited, engine.FailureTransient, callErr.Error(), totalAttempts, usedRepair)
					return
				}
				delay := w.cfg.BackoffBase << (transientAttempt - 1)
				w.logger.Info("transient failure, backing off",
					zap.String("task_id", task.ID),
					zap.Int("attempt", transientAttempt),
					zap.Duration("delay", delay),
					zap.Error(callErr),
				)
				if err := w.sleep(ctx, delay); err != nil {
					return
				}
			}
			continue
		}

		rec, parseErr := w.parse(raw, mode, schemaAttempt)
		if parseErr != nil {
			schemaAttempt++
			if schemaAttempt >= w.cfg.RepairAttempts {
				w.emitFailure(task, start, waited, engine.FailureSchema, parseErr.Error(), schemaAttempt, usedRepair)
				return
			}
			w.logger.Info("malformed analyzer output, escalating strategy",
				zap.String("task_id", task.ID),
				zap.Int("attempt", schemaAttempt),
				zap.Error(parseErr),
			)
			usedRepair = true
			continue
		}

		enriched := w.maybeEnrich(ctx, task, rec)
		w.emitSuccess(task, rec, engine.Diagnostics{
			Attempts:      totalAttempts,
			Duration:      time.Since(start),
			WaitedForRate: waited,
			Enriched:      enriched,
			UsedRepair:    usedRepair,
			UsedFallback:  mode == engine.SchemaSimplified,
		})
		return
	}
}

// analyze performs one governed external call under the per-call timeout.
// The call itself survives run cancellation so an interrupted run never
// hard-kills an in-progress request.
func (w *Worker) analyze(ctx context.Context, task engine.Task, mode engine.SchemaMode) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CallTimeout)
	defer cancel()

	raw, err := w.analyzer.Analyze(callCtx, task, mode)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, engine.NewTransientError(fmt.Errorf("analysis call timed out after %s", w.cfg.CallTimeout))
		}
		return nil, err
	}
	return raw, nil
}

// parse applies the strategy for the current schema attempt: strict parse
// first, then local repair, and finally the simplified schema (with repair as
// a last resort on that tier too).
func (w *Worker) parse(raw []byte, mode engine.SchemaMode, schemaAttempt int) (*engine.Record, error) {
	rec, err := engine.ParseRecord(raw, mode)
	if err == nil {
		return rec, nil
	}
	if schemaAttempt == 0 {
		// First attempt is strict-only; repair is the next strategy.
		return nil, err
	}
	rec, repairErr := engine.ParseRecord(repair.Repair(raw), mode)
	if repairErr != nil {
		return nil, fmt.Errorf("after repair: %w", repairErr)
	}
	return rec, nil
}

func (w *Worker) maybeEnrich(ctx context.Context, task engine.Task, rec *engine.Record) bool {
	if w.gate == nil {
		return false
	}
	applied, err := w.gate.Apply(ctx, task, rec)
	if err != nil {
		// Enrichment is best-effort; a lookup error degrades, never fails.
		w.logger.Warn("enrichment failed", zap.String("task_id", task.ID), zap.Error(err))
		return false
	}
	return applied
}

func (w *Worker) emitSuccess(task engine.Task, rec *engine.Record, diag engine.Diagnostics) {
	telemetry.ObserveAnalyzeDuration(diag.Duration)
	w.results <- engine.Outcome{Task: task, Record: rec, Diagnostics: diag}
}

func (w *Worker) emitFailure(
	task engine.Task,
	start time.Time,
	waited time.Duration,
	kind engine.FailureKind,
	message string,
	attempts int,
	usedRepair bool,
) {
	diag := engine.Diagnostics{
		Attempts:      attempts,
		Duration:      time.Since(start),
		WaitedForRate: waited,
		UsedRepair:    usedRepair,
	}
	telemetry.ObserveAnalyzeDuration(diag.Duration)
	w.results <- engine.Outcome{
		Task:        task,
		Diagnostics: diag,
		Kind:        kind,
		Message:     message,
		Attempts:    attempts,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
