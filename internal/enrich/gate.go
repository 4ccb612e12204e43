// Package enrich gates the optional reference-data lookup behind the daily
// quota and a request pacer.
package enrich

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/quota"
)

// Gate decides, per successful task, whether the enrichment lookup runs.
// Quota exhaustion is an expected state: the step is skipped, never failed.
type Gate struct {
	tracker  *quota.Tracker
	enricher engine.Enricher
	pacer    *rate.Limiter
	logger   *zap.Logger
}

// New constructs a Gate. rps bounds the lookup rate independently of the
// daily ceiling; rps <= 0 disables pacing. A nil enricher disables the gate.
func New(tracker *quota.Tracker, enricher engine.Enricher, rps float64, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Gate{
		tracker:  tracker,
		enricher: enricher,
		pacer:    rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Apply runs the enrichment lookup for task if an enricher is configured and
// quota remains. Returns whether the lookup was applied. A lookup error is
// returned but callers treat it as degradation, not task failure.
func (g *Gate) Apply(ctx context.Context, task engine.Task, rec *engine.Record) (bool, error) {
	if g.enricher == nil {
		return false, nil
	}

	ok, err := g.tracker.TryConsume()
	if err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	if !ok {
		g.logger.Debug("enrichment skipped, daily quota exhausted",
			zap.String("task_id", task.ID),
		)
		return false, nil
	}

	if err := g.pacer.Wait(ctx); err != nil {
		return false, fmt.Errorf("enrichment pacing: %w", err)
	}
	if err := g.enricher.Enrich(ctx, task, rec); err != nil {
		return false, fmt.Errorf("enrich %s: %w", task.ID, err)
	}
	return true, nil
}
