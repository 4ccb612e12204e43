// Package archive persists successful analysis records to longer-term
// storage, beyond the progress checkpoint.
package archive

import (
	"context"

	"github.com/policyatlas/metabatch/internal/engine"
)

// Archive receives one record per successfully analyzed document.
type Archive interface {
	Store(ctx context.Context, runID string, task engine.Task, rec *engine.Record) error
	Close()
}

// Nop discards records; used when no archive DSN is configured.
type Nop struct{}

// Store implements Archive.
func (Nop) Store(context.Context, string, engine.Task, *engine.Record) error {
	return nil
}

// Close implements Archive.
func (Nop) Close() {}
