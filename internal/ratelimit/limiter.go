// Package ratelimit implements a sliding-window rate limiter governing calls
// to the external analysis service.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/telemetry"
)

const window = time.Minute

// Limiter admits at most rpm calls in any trailing 60-second window. The
// check-and-record sequence runs under a single mutex so concurrent workers
// cannot each be admitted when only room for fewer exists.
type Limiter struct {
	mu         sync.Mutex
	rpm        int
	admissions []time.Time
	clock      engine.Clock

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter with the given requests-per-minute ceiling.
func New(rpm int, clock engine.Clock) *Limiter {
	if rpm <= 0 {
		rpm = 1
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Limiter{
		rpm:   rpm,
		clock: clock,
		sleep: sleepCtx,
	}
}

// Acquire blocks until a call is safe to make, records the admission, and
// returns how long the caller waited. The context aborts the wait.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		wait := l.tryAdmit()
		if wait == 0 {
			if waited > time.Millisecond {
				telemetry.ObserveRateLimitWait(waited)
			}
			return waited, nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, fmt.Errorf("rate limit wait: %w", err)
		}
		waited += wait
	}
}

// tryAdmit either records an admission and returns 0, or returns how long to
// wait before the oldest in-window admission ages out.
func (l *Limiter) tryAdmit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if len(l.admissions) < l.rpm {
		l.admissions = append(l.admissions, now)
		return 0
	}
	oldest := l.admissions[0]
	return window - now.Sub(oldest) + 100*time.Millisecond
}

// CurrentRate reports admissions per minute over the trailing window without
// recording anything.
func (l *Limiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return float64(len(l.admissions))
}

// Ceiling returns the configured requests-per-minute limit.
func (l *Limiter) Ceiling() int {
	return l.rpm
}

// prune drops admissions older than the window. Admissions are appended in
// order, so the slice stays sorted and a prefix cut suffices.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
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
