// Package producer enumerates work items and feeds the task queue.
package producer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/queue"
)

// errLimitReached stops the source walk early once the task limit is hit.
var errLimitReached = errors.New("task limit reached")

// Producer streams candidate tasks from the source, filters out ids that
// already have a terminal state, and pushes the rest onto the bounded queue.
// It runs on its own goroutine, concurrently with the workers; a full queue
// blocks it, which is the natural backpressure.
type Producer struct {
	source   engine.Source
	queue    *queue.Queue
	resolved map[string]bool
	limit    int
	logger   *zap.Logger
}

// New constructs a Producer. resolved is a snapshot of ids already terminal
// at startup; it is never mutated here, so the collector can own the live
// record without locking. limit <= 0 means unlimited.
func New(source engine.Source, q *queue.Queue, resolved map[string]bool, limit int, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		source:   source,
		queue:    q,
		resolved: resolved,
		limit:    limit,
		logger:   logger,
	}
}

// Run enumerates and enqueues tasks until the source is exhausted, the limit
// is reached, or the context ends. The queue is closed on return in every
// case, so workers always observe end-of-work. Returns the number of tasks
// enqueued and the number skipped as already resolved.
func (p *Producer) Run(ctx context.Context) (enqueued, skipped int, err error) {
	defer p.queue.Close()

	walkErr := p.source.Walk(ctx, func(task engine.Task) error {
		if p.resolved[task.ID] {
			skipped++
			return nil
		}
		if err := p.queue.Push(ctx, task); err != nil {
			return err
		}
		enqueued++
		if p.limit > 0 && enqueued >= p.limit {
			return errLimitReached
		}
		return nil
	})

	switch {
	case walkErr == nil, errors.Is(walkErr, errLimitReached):
		p.logger.Info("enumeration finished",
			zap.Int("enqueued", enqueued),
			zap.Int("skipped_resolved", skipped),
		)
		return enqueued, skipped, nil
	case errors.Is(walkErr, context.Canceled), errors.Is(walkErr, context.DeadlineExceeded):
		p.logger.Info("enumeration interrupted",
			zap.Int("enqueued", enqueued),
			zap.Int("skipped_resolved", skipped),
		)
		return enqueued, skipped, nil
	default:
		return enqueued, skipped, fmt.Errorf("enumerate work items: %w", walkErr)
	}
}
