package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store persists a Record durably.
type Store interface {
	// Load returns the persisted record, or an empty record when none exists.
	// A present-but-unparsable record is an error: resuming against a
	// corrupted checkpoint would silently reprocess or skip work.
	Load() (*Record, error)
	// Save writes the record durably. Implementations must be crash-safe: a
	// failure mid-save never corrupts the previously persisted record.
	Save(*Record) error
}

// FileStore keeps the record as a single JSON file, written atomically via
// temp-file-then-rename.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store.
func (s *FileStore) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewRecord(time.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode progress file %s: %w", s.path, err)
	}
	rec.normalize()
	return &rec, nil
}

// Save implements Store.
func (s *FileStore) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progress-*.json")
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
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename progress file: %w", err)
	}
	return nil
}
