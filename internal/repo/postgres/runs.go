package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/platform/runevent"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		pipeline_id,
		status,
		config,
		created_at,
		started_at,
		ended_at,
		canceled_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	selectRunQuery = `SELECT run_id, pipeline_id, status, config, created_at, started_at, ended_at, canceled_at, integrity_sha256
	 FROM pipeline_runs
	 WHERE run_id = $1`

	updateRunStatusQuery = `UPDATE pipeline_runs
	 SET status = $1,
	     started_at = COALESCE(started_at, $2),
	     ended_at = COALESCE($3, ended_at)
	 WHERE run_id = $4 AND status = $5`

	claimQueuedRunQuery = `UPDATE pipeline_runs
	 SET status = 'running', started_at = $1
	 WHERE run_id = (
		SELECT run_id FROM pipeline_runs
		WHERE status = 'queued' AND canceled_at IS NULL
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	 )
	 RETURNING run_id`

	markCancelRequestedQuery = `UPDATE pipeline_runs
	 SET canceled_at = COALESCE(canceled_at, $1)
	 WHERE run_id = $2 AND status IN ('queued', 'running')`

	cancelQueuedRunQuery = `UPDATE pipeline_runs
	 SET status = 'canceled', ended_at = $1
	 WHERE run_id = $2 AND status = 'queued'`

	selectCancelRequestedQuery = `SELECT canceled_at IS NOT NULL FROM pipeline_runs WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(run.IntegritySHA256) == "" {
		return fmt.Errorf("integrity sha256 is required")
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PipelineID),
		string(run.Status),
		configJSON,
		normalizeTime(run.CreatedAt),
		nullTime(run.StartedAt),
		nullTime(run.EndedAt),
		nullTime(run.CanceledAt),
		strings.TrimSpace(run.IntegritySHA256),
	)
	if err != nil {
		return storeErr("insert run", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(id)))
}

func scanRun(row rowScanner) (domain.PipelineRun, error) {
	var (
		run        domain.PipelineRun
		status     string
		configJSON []byte
		startedAt  sql.NullTime
		endedAt    sql.NullTime
		canceledAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.PipelineID, &status, &configJSON, &run.CreatedAt, &startedAt, &endedAt, &canceledAt, &run.IntegritySHA256); err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	run.CanceledAt = timePtr(canceledAt)
	if err := json.Unmarshal(configJSON, &run.Config); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("decode run config: %w", err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.PipelineID) != "" {
		args = append(args, strings.TrimSpace(filter.PipelineID))
		clauses = append(clauses, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT run_id, pipeline_id, status, config, created_at, started_at, ended_at, canceled_at, integrity_sha256
		FROM pipeline_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate runs", err)
	}
	return runs, nil
}

// UpdateRunStatus moves a run from one status to another, guarded by the
// expected current status, and appends the transition event in the same
// transaction.
func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, from, to domain.RunStatus, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !domain.CanTransitionRunStatus(from, to) {
		return fmt.Errorf("run transition %s -> %s is not allowed", from, to)
	}
	at = normalizeTime(at)

	var startedAt, endedAt sql.NullTime
	if to == domain.RunStatusRunning {
		startedAt = sql.NullTime{Time: at, Valid: true}
	}
	if to.Terminal() {
		endedAt = sql.NullTime{Time: at, Valid: true}
	}

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, updateRunStatusQuery, string(to), startedAt, endedAt, id, string(from))
		if err != nil {
			return storeErr("update run status", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeErr("update run status", err)
		}
		if affected == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE run_id = $1`, id).Scan(&current)
			if err != nil {
				return handleNotFound(err)
			}
			return fmt.Errorf("run %s is %s, expected %s: %w", id, current, from, repo.ErrConflict)
		}
		_, err = runevent.Insert(ctx, tx, runevent.Event{
			OccurredAt: at,
			RunID:      id,
			FromStatus: string(from),
			ToStatus:   string(to),
		})
		if err != nil {
			return storeErr("append run event", err)
		}
		return nil
	})
}

// ClaimQueuedRun picks the oldest queued run that nobody has canceled, moves
// it to running, and returns it. Concurrent workers never claim the same run.
func (s *RunStore) ClaimQueuedRun(ctx context.Context, at time.Time) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	at = normalizeTime(at)

	var id string
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, claimQueuedRunQuery, at).Scan(&id); err != nil {
			return handleNotFound(err)
		}
		_, err := runevent.Insert(ctx, tx, runevent.Event{
			OccurredAt: at,
			RunID:      id,
			FromStatus: string(domain.RunStatusQueued),
			ToStatus:   string(domain.RunStatusRunning),
		})
		if err != nil {
			return storeErr("append run event", err)
		}
		return nil
	})
	if err != nil {
		return domain.PipelineRun{}, err
	}
	return s.GetRun(ctx, id)
}

// RequestCancel flags a run for cancellation. A still-queued run is canceled
// on the spot; a running run is stopped by the worker that owns it.
func (s *RunStore) RequestCancel(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	at = normalizeTime(at)

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, markCancelRequestedQuery, at, id)
		if err != nil {
			return storeErr("request cancel", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeErr("request cancel", err)
		}
		if affected == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE run_id = $1`, id).Scan(&current)
			if err != nil {
				return handleNotFound(err)
			}
			return fmt.Errorf("run %s is %s and cannot be canceled: %w", id, current, repo.ErrConflict)
		}

		res, err = tx.ExecContext(ctx, cancelQueuedRunQuery, at, id)
		if err != nil {
			return storeErr("cancel queued run", err)
		}
		canceledNow, err := res.RowsAffected()
		if err != nil {
			return storeErr("cancel queued run", err)
		}
		if canceledNow > 0 {
			_, err = runevent.Insert(ctx, tx, runevent.Event{
				OccurredAt: at,
				RunID:      id,
				FromStatus: string(domain.RunStatusQueued),
				ToStatus:   string(domain.RunStatusCanceled),
				Reason:     domain.ReasonCanceled,
			})
			if err != nil {
				return storeErr("append run event", err)
			}
		}
		return nil
	})
}

// DeleteRun removes a terminal run and everything scoped to it. Artifact
// records are kept: cached step runs of other runs may still reference them.
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE run_id = $1`, id).Scan(&status); err != nil {
			return handleNotFound(err)
		}
		if !domain.RunStatus(status).Terminal() {
			return fmt.Errorf("run %s is %s and cannot be deleted: %w", id, status, repo.ErrConflict)
		}
		for _, q := range []string{
			`DELETE FROM step_run_input_artifacts WHERE step_run_id IN (SELECT step_run_id FROM step_runs WHERE run_id = $1)`,
			`DELETE FROM step_run_output_artifacts WHERE step_run_id IN (SELECT step_run_id FROM step_runs WHERE run_id = $1)`,
			`DELETE FROM step_run_parents WHERE child_id IN (SELECT step_run_id FROM step_runs WHERE run_id = $1)`,
			`DELETE FROM step_runs WHERE run_id = $1`,
			`DELETE FROM run_events WHERE run_id = $1`,
			`DELETE FROM pipeline_runs WHERE run_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return storeErr("delete run", err)
			}
		}
		return nil
	})
}

func (s *RunStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	var requested bool
	err := s.db.QueryRowContext(ctx, selectCancelRequestedQuery, strings.TrimSpace(id)).Scan(&requested)
	if err != nil {
		return false, handleNotFound(err)
	}
	return requested, nil
}

func (s *RunStore) ListRunEvents(ctx context.Context, runID string, afterEventID int64, limit int) ([]runevent.Row, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	return runevent.ListByRun(ctx, s.db, runID, afterEventID, limit)
}
