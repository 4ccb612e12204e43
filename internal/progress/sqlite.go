package progress

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/policyatlas/metabatch/internal/engine"
)

// SQLiteStore persists the record in a SQLite database. Useful for corpora
// whose terminal-state sets outgrow a flat JSON file. Saves run inside one
// transaction, which gives the same crash-safety as the file store's
// temp-then-rename.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS completed (
	task_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS failed (
	task_id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	error_kind TEXT NOT NULL,
	message TEXT NOT NULL,
	attempt_count INTEGER NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open progress db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create progress schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadMeta() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM run_meta`)
	if err != nil {
		return nil, fmt.Errorf("query run meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan run meta: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run meta: %w", err)
	}
	return meta, nil
}

// Load implements Store.
func (s *SQLiteStore) Load() (*Record, error) {
	rec := NewRecord(time.Now())

	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	if v, ok := meta["total"]; ok {
		fmt.Sscanf(v, "%d", &rec.Total)
	}
	if v, ok := meta["started_at"]; ok {
		if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			rec.StartedAt = ts
		}
	}
	if v, ok := meta["last_checkpoint_at"]; ok {
		if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			rec.LastCheckpoint = ts
		}
	}

	rows, err := s.db.Query(`SELECT task_id FROM completed`)
	if err != nil {
		return nil, fmt.Errorf("query completed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed: %w", err)
		}
		rec.Completed[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed: %w", err)
	}

	frows, err := s.db.Query(`SELECT task_id, timestamp, error_kind, message, attempt_count FROM failed`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var (
			id   string
			f    Failure
			kind string
		)
		if err := frows.Scan(&id, &f.Timestamp, &kind, &f.Message, &f.Attempts); err != nil {
			return nil, fmt.Errorf("scan failed row: %w", err)
		}
		f.Kind = engine.FailureKind(kind)
		rec.Failed[id] = f
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed: %w", err)
	}

	return rec, nil
}

// Save implements Store. The whole record is rewritten; the sets are small
// relative to how rarely checkpoints fire.
func (s *SQLiteStore) Save(rec *Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM completed`, `DELETE FROM failed`, `DELETE FROM run_meta`} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear progress tables: %w", err)
		}
	}

	metaStmt, err := tx.Prepare(`INSERT INTO run_meta (key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare meta insert: %w", err)
	}
	defer metaStmt.Close()
	meta := map[string]string{
		"total":              fmt.Sprintf("%d", rec.Total),
		"started_at":         rec.StartedAt.Format(time.RFC3339Nano),
		"last_checkpoint_at": rec.LastCheckpoint.Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := metaStmt.Exec(k, v); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}

	compStmt, err := tx.Prepare(`INSERT INTO completed (task_id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare completed insert: %w", err)
	}
	defer compStmt.Close()
	for id := range rec.Completed {
		if _, err := compStmt.Exec(id); err != nil {
			return fmt.Errorf("insert completed %s: %w", id, err)
		}
	}

	failStmt, err := tx.Prepare(
		`INSERT INTO failed (task_id, timestamp, error_kind, message, attempt_count) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare failed insert: %w", err)
	}
	defer failStmt.Close()
	for id, f := range rec.Failed {
		if _, err := failStmt.Exec(id, f.Timestamp, string(f.Kind), f.Message, f.Attempts); err != nil {
			return fmt.Errorf("insert failed %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}
