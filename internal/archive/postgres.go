package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/policyatlas/metabatch/internal/engine"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool used for archived records.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres writes one row per successful record.
//
// Expected schema:
//
//	CREATE TABLE records (
//	    run_id UUID NOT NULL,
//	    task_id TEXT NOT NULL,
//	    title TEXT,
//	    doc_type TEXT,
//	    year INT,
//	    overall_confidence DOUBLE PRECISION,
//	    completeness DOUBLE PRECISION,
//	    payload JSONB NOT NULL,
//	    archived_at TIMESTAMPTZ DEFAULT NOW(),
//	    PRIMARY KEY (run_id, task_id)
//	);
type Postgres struct {
	pool  execCloser
	table string
}

// NewPostgres connects a pool from cfg and verifies it with a ping.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	return NewPostgresWithPool(pool, cfg.Table)
}

// NewPostgresWithPool wires an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool execCloser, table string) (*Postgres, error) {
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Postgres{pool: pool, table: table}, nil
}

// Store implements Archive. Tasks are idempotently re-submittable by id, so
// a conflicting row from an earlier interrupted run is simply replaced.
func (p *Postgres) Store(ctx context.Context, runID string, task engine.Task, rec *engine.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, task_id, title, doc_type, year, overall_confidence, completeness, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			title = EXCLUDED.title,
			doc_type = EXCLUDED.doc_type,
			year = EXCLUDED.year,
			overall_confidence = EXCLUDED.overall_confidence,
			completeness = EXCLUDED.completeness,
			payload = EXCLUDED.payload
	`, p.table)

	if _, err := p.pool.Exec(ctx, query,
		runID,
		task.ID,
		rec.Title.Value,
		rec.DocType.Value,
		rec.Year.Value,
		rec.OverallConfidence,
		rec.Completeness,
		payload,
	); err != nil {
		return fmt.Errorf("insert record row: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
