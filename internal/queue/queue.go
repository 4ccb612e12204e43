// Package queue provides the bounded in-memory task queue between the
// producer and the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/policyatlas/metabatch/internal/engine"
)

// ErrClosed is returned by Pop once the queue has been closed and drained.
// Every blocked worker observes it independently, which is how end-of-work
// is broadcast to a dynamically sized pool.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded, blocking task queue. Push blocks the producer when the
// queue is full; Pop blocks a worker when it is empty and not yet closed.
type Queue struct {
	ch      chan engine.Task
	closeMu sync.Mutex
	closed  bool
}

// New constructs a queue with the provided capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan engine.Task, capacity),
	}
}

// Push enqueues a task or returns when the context ends.
func (q *Queue) Push(ctx context.Context, task engine.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("push canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Pop dequeues the next task, respecting context cancellation. Returns
// ErrClosed after the producer has closed the queue and all tasks are drained.
func (q *Queue) Pop(ctx context.Context) (engine.Task, error) {
	select {
	case <-ctx.Done():
		return engine.Task{}, fmt.Errorf("pop canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return engine.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Close marks the end of production. Safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
