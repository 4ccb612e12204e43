// Package quota tracks the calendar-day allowance for the optional
// enrichment lookup, persisted across process restarts.
package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/engine"
	"github.com/policyatlas/metabatch/internal/telemetry"
)

const dateLayout = "2006-01-02"

// State is the durable quota record.
type State struct {
	Date    string `json:"date"`
	Used    int    `json:"used_count"`
	Ceiling int    `json:"daily_ceiling"`
}

// Tracker grants or refuses units of the daily enrichment budget. A grant is
// persisted before it is observably returned, so a crash can never double-
// spend quota already reported as consumed.
type Tracker struct {
	mu     sync.Mutex
	path   string
	state  State
	clock  engine.Clock
	logger *zap.Logger
}

// New loads quota state from path, or starts fresh when no file exists. The
// ceiling from configuration wins over whatever the file recorded.
func New(path string, ceiling int, clock engine.Clock, logger *zap.Logger) (*Tracker, error) {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		path:   path,
		clock:  clock,
		logger: logger,
		state:  State{Ceiling: ceiling},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		t.state.Date = clock.Now().Format(dateLayout)
	case err != nil:
		return nil, fmt.Errorf("read quota state: %w", err)
	default:
		if err := json.Unmarshal(data, &t.state); err != nil {
			return nil, fmt.Errorf("decode quota state: %w", err)
		}
		t.state.Ceiling = ceiling
	}
	telemetry.SetQuotaUsed(t.state.Used)
	return t, nil
}

// TryConsume grants one unit if capacity remains for the current calendar
// day. A refusal is free; the caller falls back to the non-enriched path. An
// attempt that would exceed the ceiling is refused, never retried.
func (t *Tracker) TryConsume() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()
	if t.state.Used >= t.state.Ceiling {
		return false, nil
	}

	next := t.state
	next.Used++
	if err := t.persist(next); err != nil {
		return false, fmt.Errorf("persist quota state: %w", err)
	}
	t.state = next
	telemetry.SetQuotaUsed(t.state.Used)
	return true, nil
}

// Status reports the current day's usage.
func (t *Tracker) Status() (used, ceiling, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.state.Used, t.state.Ceiling, t.state.Ceiling - t.state.Used
}

// rollover resets the counter when the stored date no longer matches today.
// Checked lazily under the lock; there is no background timer.
func (t *Tracker) rollover() {
	today := t.clock.Now().Format(dateLayout)
	if t.state.Date == today {
		return
	}
	t.logger.Info("quota day rollover",
		zap.String("from", t.state.Date),
		zap.String("to", today),
	)
	t.state.Date = today
	t.state.Used = 0
	telemetry.SetQuotaUsed(0)
}

// persist writes the state atomically: temp file in the same directory, then
// rename over the target.
func (t *Tracker) persist(s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quota state: %w", err)
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create quota dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".quota-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename quota state: %w", err)
	}
	return nil
}
