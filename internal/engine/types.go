// Package engine defines the core types and collaborator contracts for the
// batch metadata-extraction engine.
package engine

import "time"

// Task is one unit of work: a single document to drive to a terminal outcome.
// Tasks are immutable once enumerated.
type Task struct {
	// ID is the stable identifier, derived from the document path relative to
	// the corpus root.
	ID string
	// Path is the absolute location of the document on disk.
	Path string
}

// SchemaMode selects how strict the analyzer's structured output contract is.
type SchemaMode int

const (
	// SchemaStrict requests the full confidence-scored schema.
	SchemaStrict SchemaMode = iota
	// SchemaSimplified requests a flat, permissive schema used as the final
	// fallback after strict parsing and local repair both failed.
	SchemaSimplified
)

// FailureKind classifies terminal task failures.
type FailureKind string

// Failure kinds recorded in the progress file.
const (
	// FailureSchema means the analyzer's output never parsed into the target
	// schema, even after repair and a simplified-schema reissue.
	FailureSchema FailureKind = "schema_error"
	// FailureTransient means a network/service error persisted past the
	// backoff retry budget.
	FailureTransient FailureKind = "transient_error"
	// FailureUnrecoverable means the source document itself is unusable.
	FailureUnrecoverable FailureKind = "unrecoverable_input"
)

// Diagnostics carries timing and resource-usage detail for observability.
// It is informational, never behavior-critical.
type Diagnostics struct {
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
	WaitedForRate time.Duration `json:"waited_for_rate"`
	Enriched      bool          `json:"enriched"`
	UsedRepair    bool          `json:"used_repair"`
	UsedFallback  bool          `json:"used_fallback"`
}

// Outcome is the terminal result of processing one task. Exactly one Outcome
// is emitted per dequeued task, success or failure.
type Outcome struct {
	Task        Task
	Record      *Record
	Diagnostics Diagnostics

	// Failure detail; zero-valued on success.
	Kind     FailureKind
	Message  string
	Attempts int
}

// Failed reports whether the outcome is a terminal failure.
func (o Outcome) Failed() bool {
	return o.Record == nil
}
