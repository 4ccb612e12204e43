// Package progress maintains the durable record of task state that makes a
// run resumable. The record is mutated by exactly one goroutine (the results
// collector) and persisted on a cadence, not after every mutation.
package progress

import (
	"time"

	"github.com/policyatlas/metabatch/internal/engine"
)

// Failure captures the terminal failure detail for one task.
type Failure struct {
	Timestamp time.Time          `json:"timestamp"`
	Kind      engine.FailureKind `json:"error_kind"`
	Message   string             `json:"message"`
	Attempts  int                `json:"attempt_count"`
}

// Record is the single source of truth for resumability. Completed and
// Failed are kept disjoint: marking an id in one removes it from the other.
type Record struct {
	Total          int                `json:"total"`
	Completed      map[string]bool    `json:"completed"`
	Failed         map[string]Failure `json:"failed"`
	StartedAt      time.Time          `json:"started_at"`
	LastCheckpoint time.Time          `json:"last_checkpoint_at"`
}

// NewRecord returns an empty record stamped with the given start time.
func NewRecord(startedAt time.Time) *Record {
	return &Record{
		Completed: make(map[string]bool),
		Failed:    make(map[string]Failure),
		StartedAt: startedAt,
	}
}

// normalize repairs nil maps after JSON decoding.
func (r *Record) normalize() {
	if r.Completed == nil {
		r.Completed = make(map[string]bool)
	}
	if r.Failed == nil {
		r.Failed = make(map[string]Failure)
	}
}

// MarkCompleted records a success for id.
func (r *Record) MarkCompleted(id string) {
	delete(r.Failed, id)
	r.Completed[id] = true
}

// MarkFailed records a terminal failure for id.
func (r *Record) MarkFailed(id string, f Failure) {
	if r.Completed[id] {
		// A completed task is never demoted.
		return
	}
	r.Failed[id] = f
}

// Resolved reports whether id already has a terminal state. When retryFailed
// is set, previously failed ids count as unresolved so they are re-queued.
func (r *Record) Resolved(id string, retryFailed bool) bool {
	if r.Completed[id] {
		return true
	}
	if retryFailed {
		return false
	}
	_, failed := r.Failed[id]
	return failed
}

// ClearFailed moves id out of the failed set ahead of a retry-failed requeue,
// preserving the disjointness invariant.
func (r *Record) ClearFailed(id string) {
	delete(r.Failed, id)
}

// PendingIDs subtracts resolved ids from the full known set.
func (r *Record) PendingIDs(known []string, retryFailed bool) []string {
	pending := make([]string, 0, len(known))
	for _, id := range known {
		if !r.Resolved(id, retryFailed) {
			pending = append(pending, id)
		}
	}
	return pending
}

// Counts returns the terminal-state tallies.
func (r *Record) Counts() (completed, failed int) {
	return len(r.Completed), len(r.Failed)
}
