// Package sqlite implements the repo interfaces on SQLite for single-node
// and development use. The postgres package is the production twin.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Open opens the database file with WAL journaling, a busy timeout, and
// foreign key enforcement.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	pipeline_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	spec_hash TEXT NOT NULL UNIQUE,
	document TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL REFERENCES pipelines(pipeline_id),
	status TEXT NOT NULL,
	config TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	canceled_at TIMESTAMP,
	integrity_sha256 TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs (status, created_at);

CREATE TABLE IF NOT EXISTS step_runs (
	step_run_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	step_name TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	cache_key TEXT NOT NULL,
	source_hash TEXT NOT NULL,
	parameters TEXT NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	UNIQUE (run_id, step_name)
);

CREATE INDEX IF NOT EXISTS idx_step_runs_cache_key ON step_runs (cache_key, status);

CREATE TABLE IF NOT EXISTS step_run_parents (
	parent_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
	child_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
	PRIMARY KEY (parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	object_key TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	producer_step_run_id TEXT REFERENCES step_runs(step_run_id),
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS step_run_input_artifacts (
	step_run_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
	artifact_id TEXT NOT NULL REFERENCES artifacts(artifact_id),
	name TEXT NOT NULL,
	PRIMARY KEY (step_run_id, artifact_id, name)
);

CREATE TABLE IF NOT EXISTS step_run_output_artifacts (
	step_run_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
	artifact_id TEXT NOT NULL REFERENCES artifacts(artifact_id),
	name TEXT NOT NULL,
	PRIMARY KEY (step_run_id, artifact_id, name)
);

CREATE TABLE IF NOT EXISTS run_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	step_run_id TEXT REFERENCES step_runs(step_run_id),
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	reason TEXT,
	occurred_at TIMESTAMP NOT NULL,
	integrity_sha256 TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, event_id);
`

// Migrate creates the tables and indexes if they do not exist yet.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeParams(params domain.Params) ([]byte, error) {
	if params == nil {
		params = domain.Params{}
	}
	return json.Marshal(params)
}

func decodeParams(raw []byte) (domain.Params, error) {
	if len(raw) == 0 {
		return domain.Params{}, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]string{}
	}
	return domain.Params(out), nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	if isUniqueViolation(err) {
		return repo.ErrAlreadyExists
	}
	return &repo.StoreError{Op: op, Err: err}
}

func inTx(ctx context.Context, db DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
