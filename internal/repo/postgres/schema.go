package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
		pipeline_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		spec_hash TEXT NOT NULL UNIQUE,
		document TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL REFERENCES pipelines(pipeline_id),
		status TEXT NOT NULL,
		config JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		canceled_at TIMESTAMPTZ,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS step_runs (
		step_run_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES pipeline_runs(run_id),
		step_name TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		cache_key TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		parameters JSONB NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		UNIQUE (run_id, step_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_runs_cache_key ON step_runs (cache_key, status)`,
	`CREATE TABLE IF NOT EXISTS step_run_parents (
		parent_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
		child_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
		PRIMARY KEY (parent_id, child_id)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		object_key TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		producer_step_run_id TEXT REFERENCES step_runs(step_run_id),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS step_run_input_artifacts (
		step_run_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
		artifact_id TEXT NOT NULL REFERENCES artifacts(artifact_id),
		name TEXT NOT NULL,
		PRIMARY KEY (step_run_id, artifact_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS step_run_output_artifacts (
		step_run_id TEXT NOT NULL REFERENCES step_runs(step_run_id),
		artifact_id TEXT NOT NULL REFERENCES artifacts(artifact_id),
		name TEXT NOT NULL,
		PRIMARY KEY (step_run_id, artifact_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		event_id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES pipeline_runs(run_id),
		step_run_id TEXT REFERENCES step_runs(step_run_id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		occurred_at TIMESTAMPTZ NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, event_id)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT,
		ip TEXT,
		user_agent TEXT,
		payload JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
// Statements run one by one so a failure names the statement that broke.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
