package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/enrich"
	"github.com/policyatlas/metabatch/internal/queue"
	"github.com/policyatlas/metabatch/internal/ratelimit"
	"github.com/policyatlas/metabatch/internal/telemetry"
)

// Pool manages a live-resizable set of workers over shared queue, results
// channel, and limiter. Workers are independently started and stopped
// goroutines rather than a fixed-size executor, so the scaling controller can
// add or retire them mid-run.
type Pool struct {
	mu      sync.Mutex
	workers []*Worker
	nextID  int

	queue    *queue.Queue
	results  chan<- engine.Outcome
	analyzer engine.Analyzer
	limiter  *ratelimit.Limiter
	gate     *enrich.Gate
	cfg      Config
	logger   *zap.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// NewPool constructs a Pool; no workers run until Start.
func NewPool(
	q *queue.Queue,
	results chan<- engine.Outcome,
	analyzer engine.Analyzer,
	limiter *ratelimit.Limiter,
	gate *enrich.Gate,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:    q,
		results:  results,
		analyzer: analyzer,
		limiter:  limiter,
		gate:     gate,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches n workers bound to ctx.
func (p *Pool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.spawn()
	}
}

// Count reports the number of workers currently running.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Resize grows or shrinks the pool toward target. Shrinking retires workers
// one at a time; each finishes its current task before exiting.
func (p *Pool) Resize(target int) {
	if target < 0 {
		target = 0
	}
	for p.Count() < target {
		p.spawn()
	}
	for p.Count() > target {
		p.retireOne()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	telemetry.SetActiveWorkers(0)
}

func (p *Pool) spawn() {
	p.mu.Lock()
	p.nextID++
	w := newWorker(p.nextID, p.queue, p.results, p.analyzer, p.limiter, p.gate, p.cfg, p.logger)
	p.workers = append(p.workers, w)
	ctx := p.ctx
	count := len(p.workers)
	p.mu.Unlock()

	telemetry.SetActiveWorkers(count)
	p.logger.Info("worker started", zap.Int("worker", w.id), zap.Int("pool_size", count))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.remove(w)
		w.Run(ctx)
	}()
}

func (p *Pool) retireOne() {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.workers[len(p.workers)-1]
	p.workers = p.workers[:len(p.workers)-1]
	count := len(p.workers)
	p.mu.Unlock()

	close(w.retire)
	telemetry.SetActiveWorkers(count)
	p.logger.Info("worker retiring after current task",
		zap.Int("worker", w.id),
		zap.Int("pool_size", count),
	)
}

// remove drops a worker that exited on its own (queue drained or context
// canceled) from the tracked set.
func (p *Pool) remove(w *Worker) {
	p.mu.Lock()
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	count := len(p.workers)
	p.mu.Unlock()
	telemetry.SetActiveWorkers(count)
}
