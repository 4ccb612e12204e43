// Package collector is the single consumer of worker outcomes and the sole
// mutator of the progress record. Centralizing mutation here means workers
// share no mutable progress state and need no lock around it.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/archive"
	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/export"
	"github.com/policyatlas/metabatch/internal/progress"
	"github.com/policyatlas/metabatch/internal/telemetry"
)

// Config paces durable checkpoints: save after SaveEvery outcomes or
// SaveInterval of wall time, whichever comes first.
type Config struct {
	SaveEvery    int
	SaveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SaveEvery <= 0 {
		c.SaveEvery = 25
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = time.Minute
	}
	return c
}

// ManifestEntry is one failed task in the end-of-run failure manifest.
type ManifestEntry struct {
	TaskID   string             `json:"task_id"`
	Kind     engine.FailureKind `json:"error_kind"`
	Message  string             `json:"message"`
	Attempts int                `json:"attempt_count"`
}

// Summary is the final report of a run.
type Summary struct {
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Pending   int             `json:"pending"`
	Manifest  []ManifestEntry `json:"failures,omitempty"`
}

// Stats is a point-in-time view for the status endpoint.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Collector consumes the results channel until it closes, checkpointing the
// progress record on a cadence and once more, unconditionally, at shutdown.
type Collector struct {
	results  <-chan engine.Outcome
	record   *progress.Record
	store    progress.Store
	archive  archive.Archive
	exporter *export.CSVWriter
	runID    string
	cfg      Config
	clock    engine.Clock
	logger   *zap.Logger

	totals chan int

	mu      sync.RWMutex
	stats   Stats
	unsaved int
	lastSav time.Time
}

// New constructs a Collector over a loaded record. archive and exporter may
// be nil.
func New(
	results <-chan engine.Outcome,
	record *progress.Record,
	store progress.Store,
	arc archive.Archive,
	exporter *export.CSVWriter,
	runID string,
	cfg Config,
	clock engine.Clock,
	logger *zap.Logger,
) *Collector {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if arc == nil {
		arc = archive.Nop{}
	}
	completed, failed := record.Counts()
	pending := record.Total - completed - failed
	if pending < 0 {
		pending = 0
	}
	return &Collector{
		results:  results,
		record:   record,
		store:    store,
		archive:  arc,
		exporter: exporter,
		runID:    runID,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		totals:   make(chan int, 1),
		stats:    Stats{Total: record.Total, Completed: completed, Failed: failed, Pending: pending},
		lastSav:  clock.Now(),
	}
}

// SetTotal tells the collector how many tasks this run discovered. Called by
// the engine once enumeration finishes; delivered through a channel so the
// record still has a single mutating goroutine.
func (c *Collector) SetTotal(n int) {
	select {
	case c.totals <- n:
	default:
	}
}

// Stats returns a consistent point-in-time snapshot.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Run consumes outcomes until the results channel closes, then performs the
// final save and returns the run summary. Checkpoint write errors are logged
// and retried at the next cadence rather than crashing the run.
func (c *Collector) Run(ctx context.Context) Summary {
	for {
		select {
		case n := <-c.totals:
			c.record.Total = n
			c.refreshStats()
		case outcome, ok := <-c.results:
			if !ok {
				c.drainTotals()
				c.finalSave()
				return c.summary()
			}
			c.apply(ctx, outcome)
		}
	}
}

func (c *Collector) apply(ctx context.Context, o engine.Outcome) {
	if o.Failed() {
		c.record.MarkFailed(o.Task.ID, progress.Failure{
			Timestamp: c.clock.Now(),
			Kind:      o.Kind,
			Message:   o.Message,
			Attempts:  o.Attempts,
		})
		telemetry.CountTask("failed")
		c.logger.Warn("task failed",
			zap.String("task_id", o.Task.ID),
			zap.String("kind", string(o.Kind)),
			zap.Int("attempts", o.Attempts),
			zap.String("message", o.Message),
		)
	} else {
		c.record.MarkCompleted(o.Task.ID)
		telemetry.CountTask("completed")
		c.persistRecord(ctx, o)
		c.logger.Info("task completed",
			zap.String("task_id", o.Task.ID),
			zap.Int("attempts", o.Diagnostics.Attempts),
			zap.Duration("duration", o.Diagnostics.Duration),
			zap.Bool("enriched", o.Diagnostics.Enriched),
		)
	}

	c.refreshStats()
	c.unsaved++
	now := c.clock.Now()
	if c.unsaved >= c.cfg.SaveEvery || now.Sub(c.lastSav) >= c.cfg.SaveInterval {
		c.checkpoint(now)
	}
}

func (c *Collector) persistRecord(ctx context.Context, o engine.Outcome) {
	if err := c.archive.Store(ctx, c.runID, o.Task, o.Record); err != nil {
		c.logger.Warn("archive write failed", zap.String("task_id", o.Task.ID), zap.Error(err))
	}
	if c.exporter != nil {
		if err := c.exporter.Append(o.Task, o.Record, o.Diagnostics); err != nil {
			c.logger.Warn("csv append failed", zap.String("task_id", o.Task.ID), zap.Error(err))
		}
	}
}

func (c *Collector) checkpoint(now time.Time) {
	c.record.LastCheckpoint = now
	if err := c.store.Save(c.record); err != nil {
		c.logger.Error("checkpoint save failed", zap.Error(err))
		return
	}
	telemetry.CountCheckpoint()
	c.unsaved = 0
	c.lastSav = now
}

func (c *Collector) finalSave() {
	c.checkpoint(c.clock.Now())
	completed, failed := c.record.Counts()
	c.logger.Info("run quiescent",
		zap.Int("completed", completed),
		zap.Int("failed", failed),
	)
}

func (c *Collector) drainTotals() {
	select {
	case n := <-c.totals:
		c.record.Total = n
	default:
	}
	c.refreshStats()
}

func (c *Collector) refreshStats() {
	completed, failed := c.record.Counts()
	pending := c.record.Total - completed - failed
	if pending < 0 {
		pending = 0
	}
	c.mu.Lock()
	c.stats = Stats{
		Total:     c.record.Total,
		Completed: completed,
		Failed:    failed,
		Pending:   pending,
	}
	c.mu.Unlock()
}

func (c *Collector) summary() Summary {
	completed, failed := c.record.Counts()
	manifest := make([]ManifestEntry, 0, failed)
	for id, f := range c.record.Failed {
		manifest = append(manifest, ManifestEntry{
			TaskID:   id,
			Kind:     f.Kind,
			Message:  f.Message,
			Attempts: f.Attempts,
		})
	}
	pending := c.record.Total - completed - failed
	if pending < 0 {
		pending = 0
	}
	return Summary{
		Completed: completed,
		Failed:    failed,
		Pending:   pending,
		Manifest:  manifest,
	}
}
