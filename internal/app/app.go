// Package app wires the engine's components together and drives a batch run
// from enumeration to quiescence.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/api"
	"github.com/policyatlas/metabatch/internal/archive"
	"github.com/policyatlas/metabatch/internal/collector"
	"github.com/policyatlas/metabatch/internal/config"
	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/enrich"
	"github.com/policyatlas/metabatch/internal/export"
	"github.com/policyatlas/metabatch/internal/producer"
	"github.com/policyatlas/metabatch/internal/progress"
	"github.com/policyatlas/metabatch/internal/queue"
	"github.com/policyatlas/metabatch/internal/quota"
	"github.com/policyatlas/metabatch/internal/ratelimit"
	"github.com/policyatlas/metabatch/internal/scaler"
	"github.com/policyatlas/metabatch/internal/source"
	"github.com/policyatlas/metabatch/internal/worker"
)

// Options configures a run. Analyzer is required; Source defaults to a
// directory walk of the configured docs dir; Enricher and Clock are optional.
type Options struct {
	Config   config.Config
	Analyzer engine.Analyzer
	Source   engine.Source
	Enricher engine.Enricher
	Clock    engine.Clock
	Logger   *zap.Logger
}

// Report is the final result of a run.
type Report struct {
	RunID    string
	Summary  collector.Summary
	Enqueued int
	Skipped  int
	Elapsed  time.Duration
}

type producerResult struct {
	enqueued int
	skipped  int
	err      error
}

// Run executes one batch to quiescence or interruption. Startup failures
// (unloadable progress record, unreachable work-item source, unusable quota
// state) return an error before any worker starts; per-task failures are
// recorded in the progress record and never abort the run.
func Run(ctx context.Context, opts Options) (Report, error) {
	start := time.Now()
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if opts.Analyzer == nil {
		return Report{}, fmt.Errorf("no analyzer configured")
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Progress store and record.
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return Report{}, err
	}
	defer closeStore()

	rec, err := store.Load()
	if err != nil {
		return Report{}, fmt.Errorf("load progress: %w", err)
	}
	if !cfg.Run.Resume {
		rec = progress.NewRecord(clock.Now())
	}
	if cfg.Run.RetryFailed {
		for id := range rec.Failed {
			rec.ClearFailed(id)
		}
	}
	resolved := make(map[string]bool, len(rec.Completed)+len(rec.Failed))
	for id := range rec.Completed {
		resolved[id] = true
	}
	for id := range rec.Failed {
		resolved[id] = true
	}

	// Work-item source.
	src := opts.Source
	if src == nil {
		src, err = source.NewDirSource(cfg.Run.DocsDir, cfg.Run.Extensions)
		if err != nil {
			return Report{}, fmt.Errorf("open work-item source: %w", err)
		}
	}

	// Governance: one limiter, one quota tracker, threaded through by
	// explicit reference. No ambient singletons.
	limiter := ratelimit.New(cfg.Rate.RequestsPerMinute, clock)
	tracker, err := quota.New(cfg.Quota.StateFile, cfg.Quota.DailyCeiling, clock, logger)
	if err != nil {
		return Report{}, fmt.Errorf("load quota state: %w", err)
	}
	var gate *enrich.Gate
	if opts.Enricher != nil {
		gate = enrich.New(tracker, opts.Enricher, cfg.Quota.EnrichmentRPS, logger)
	}

	// Result artifacts.
	arc, err := openArchive(runCtx, cfg, logger)
	if err != nil {
		return Report{}, err
	}
	defer arc.Close()

	var exporter *export.CSVWriter
	if cfg.Output.ResultsCSV != "" {
		exporter, err = export.NewCSVWriter(cfg.Output.ResultsCSV)
		if err != nil {
			return Report{}, fmt.Errorf("open results csv: %w", err)
		}
		defer exporter.Close()
	}

	// Plumbing.
	taskQueue := queue.New(cfg.Run.QueueDepth)
	results := make(chan engine.Outcome, cfg.Run.QueueDepth)

	prod := producer.New(src, taskQueue, resolved, cfg.Run.Limit, logger)
	pool := worker.NewPool(taskQueue, results, opts.Analyzer, limiter, gate, worker.Config{
		RepairAttempts:   cfg.Rate.RepairAttempts,
		TransientRetries: cfg.Rate.TransientRetries,
		BackoffBase:      cfg.BackoffBase(),
		CallTimeout:      cfg.CallTimeout(),
	}, logger)
	col := collector.New(results, rec, store, arc, exporter, runID, collector.Config{
		SaveEvery:    cfg.Run.SaveEvery,
		SaveInterval: cfg.SaveInterval(),
	}, clock, logger)
	controller := scaler.New(limiter, pool, scaler.Config{
		BaseWorkers: cfg.Workers.Base,
		MinWorkers:  cfg.Workers.Min,
		MaxWorkers:  cfg.Workers.Max,
		Interval:    cfg.ScaleInterval(),
		Cooldown:    cfg.ScaleCooldown(),
	}, clock, logger)

	var statusSrv *api.Server
	if cfg.Server.Enabled {
		statusSrv = api.NewServer(col, limiter, tracker, pool, runID, cfg.Server.Port, logger)
		statusSrv.Start()
	}

	logger.Info("run starting",
		zap.Int("already_resolved", len(resolved)),
		zap.Int("rate_ceiling_rpm", cfg.Rate.RequestsPerMinute),
		zap.Int("base_workers", cfg.Workers.Base),
		zap.Bool("retry_failed", cfg.Run.RetryFailed),
	)

	// Producer enumerates concurrently with the workers; the queue closes on
	// its return, which is how end-of-work reaches every worker.
	prodDone := make(chan producerResult, 1)
	go func() {
		enqueued, skipped, perr := prod.Run(runCtx)
		col.SetTotal(enqueued + skipped)
		prodDone <- producerResult{enqueued: enqueued, skipped: skipped, err: perr}
	}()

	pool.Start(runCtx, cfg.Workers.Base)
	go controller.Run(runCtx)

	// The results channel closes once every worker has exited, letting the
	// collector run to its final checkpoint.
	go func() {
		pool.Wait()
		close(results)
	}()

	summary := col.Run(runCtx)
	prodRes := <-prodDone
	cancel()

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", zap.Error(err))
		}
	}

	report := Report{
		RunID:    runID,
		Summary:  summary,
		Enqueued: prodRes.enqueued,
		Skipped:  prodRes.skipped,
		Elapsed:  time.Since(start),
	}
	if prodRes.err != nil {
		return report, fmt.Errorf("work-item enumeration failed: %w", prodRes.err)
	}

	logger.Info("run finished",
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", summary.Pending),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func openStore(cfg config.Config) (progress.Store, func(), error) {
	switch cfg.Run.ProgressBackend {
	case "sqlite":
		s, err := progress.NewSQLiteStore(cfg.Run.ProgressFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open progress db: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return progress.NewFileStore(cfg.Run.ProgressFile), func() {}, nil
	}
}

func openArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (archive.Archive, error) {
	if cfg.Archive.DSN == "" {
		return archive.Nop{}, nil
	}
	arc, err := archive.NewPostgres(ctx, archive.PostgresConfig{
		DSN:      cfg.Archive.DSN,
		Table:    cfg.Archive.Table,
		MaxConns: cfg.Archive.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect results archive: %w", err)
	}
	logger.Info("results archive connected", zap.String("table", cfg.Archive.Table))
	return arc, nil
}
