// Package scaler adjusts the worker count to keep throughput near, but never
// above, the external service's rate ceiling.
package scaler

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
)

// RateSource exposes the limiter readings the controller steers by.
type RateSource interface {
	CurrentRate() float64
	Ceiling() int
}

// Pool is the resizable worker set under control.
type Pool interface {
	Count() int
	Resize(target int)
}

// Config bounds and paces the controller.
type Config struct {
	BaseWorkers int
	MinWorkers  int
	MaxWorkers  int
	Interval    time.Duration
	Cooldown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseWorkers <= 0 {
		c.BaseWorkers = 4
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = c.BaseWorkers * 2
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Controller periodically inspects limiter utilization and resizes the pool
// within [MinWorkers, MaxWorkers], with hysteresis bands and a cooldown
// between actions to prevent thrash.
type Controller struct {
	rates      RateSource
	pool       Pool
	cfg        Config
	clock      engine.Clock
	lastAction time.Time
	logger     *zap.Logger
}

// New constructs a Controller.
func New(rates RateSource, pool Pool, cfg Config, clock engine.Clock, logger *zap.Logger) *Controller {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		rates:  rates,
		pool:   pool,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger,
	}
}

// Run evaluates on the configured interval until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Evaluate performs one control step: read utilization, compute the target,
// and resize if the cooldown has elapsed and the target differs.
func (c *Controller) Evaluate() {
	now := c.clock.Now()
	if !c.lastAction.IsZero() && now.Sub(c.lastAction) < c.cfg.Cooldown {
		return
	}

	utilization := c.rates.CurrentRate() / float64(c.rates.Ceiling())
	target := c.Target(utilization)
	current := c.pool.Count()
	if target == current || current == 0 {
		return
	}

	c.logger.Info("scaling workers",
		zap.Float64("utilization", utilization),
		zap.Int("from", current),
		zap.Int("to", target),
	)
	c.pool.Resize(target)
	c.lastAction = now
}

// Target maps utilization to a worker count relative to the base size,
// clamped to the configured bounds. The bands leave a hold zone so small
// fluctuations never cause an adjustment.
func (c *Controller) Target(utilization float64) int {
	var factor float64
	switch {
	case utilization < 0.25:
		factor = 2.0
	case utilization < 0.5:
		factor = 1.5
	case utilization < 0.75:
		return clamp(c.pool.Count(), c.cfg.MinWorkers, c.cfg.MaxWorkers)
	case utilization < 0.9:
		factor = 0.75
	default:
		factor = 0.5
	}
	target := int(math.Round(float64(c.cfg.BaseWorkers) * factor))
	return clamp(target, c.cfg.MinWorkers, c.cfg.MaxWorkers)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
