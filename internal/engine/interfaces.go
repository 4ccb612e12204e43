package engine

import (
	"context"
	"time"
)

// Analyzer is the external analysis collaborator. Implementations perform the
// document-content analysis call and return the raw structured response bytes.
// Errors should be classified via NewSchemaError/NewTransientError/
// NewUnrecoverableError; unclassified errors are treated as transient.
type Analyzer interface {
	Analyze(ctx context.Context, task Task, mode SchemaMode) ([]byte, error)
}

// Source enumerates candidate work items with stable identifiers. Each
// discovered task is delivered to fn; returning an error from fn stops the
// walk and is propagated.
type Source interface {
	Walk(ctx context.Context, fn func(Task) error) error
}

// Enricher is the optional reference-data collaborator consulted after a
// successful analysis. Consumption is gated by the daily quota; callers must
// treat refusal as graceful degradation, never as a task failure.
type Enricher interface {
	Enrich(ctx context.Context, task Task, rec *Record) error
}

// Clock abstracts time for quota rollover and checkpoint cadence tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
