package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/quota"
)

type countingEnricher struct {
	calls int
	err   error
}

func (e *countingEnricher) Enrich(_ context.Context, _ engine.Task, _ *engine.Record) error {
	e.calls++
	return e.err
}

func newTracker(t *testing.T, ceiling int) *quota.Tracker {
	t.Helper()
	tr, err := quota.New(filepath.Join(t.TempDir(), "quota.json"), ceiling, nil, zap.NewNop())
	require.NoError(t, err)
	return tr
}

func TestApplyConsumesQuota(t *testing.T) {
	t.Parallel()

	enricher := &countingEnricher{}
	gate := New(newTracker(t, 2), enricher, 0, zap.NewNop())

	for i := 0; i < 2; i++ {
		applied, err := gate.Apply(context.Background(), engine.Task{ID: "a"}, &engine.Record{})
		require.NoError(t, err)
		require.True(t, applied)
	}
	require.Equal(t, 2, enricher.calls)
}

func TestApplySkipsWhenQuotaExhausted(t *testing.T) {
	t.Parallel()

	enricher := &countingEnricher{}
	gate := New(newTracker(t, 0), enricher, 0, zap.NewNop())

	applied, err := gate.Apply(context.Background(), engine.Task{ID: "a"}, &engine.Record{})
	require.NoError(t, err, "quota exhaustion is degradation, not failure")
	require.False(t, applied)
	require.Zero(t, enricher.calls)
}

func TestApplyWithoutEnricherIsNoop(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t, 5)
	gate := New(tracker, nil, 0, zap.NewNop())

	applied, err := gate.Apply(context.Background(), engine.Task{ID: "a"}, &engine.Record{})
	require.NoError(t, err)
	require.False(t, applied)

	used, _, _ := tracker.Status()
	require.Zero(t, used, "no enricher means no quota spend")
}

func TestApplyReturnsLookupErrors(t *testing.T) {
	t.Parallel()

	enricher := &countingEnricher{err: errors.New("registry unavailable")}
	gate := New(newTracker(t, 5), enricher, 0, zap.NewNop())

	applied, err := gate.Apply(context.Background(), engine.Task{ID: "a"}, &engine.Record{})
	require.Error(t, err)
	require.False(t, applied)
}
