package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/platform/runevent"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type StepRunStore struct {
	db DB
}

const (
	insertStepRunQuery = `INSERT INTO step_runs (
		step_run_id,
		run_id,
		step_name,
		status,
		reason,
		cache_key,
		source_hash,
		parameters,
		started_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	insertStepRunParentQuery = `INSERT INTO step_run_parents (parent_id, child_id) VALUES ($1,$2)`

	selectStepRunQuery = `SELECT step_run_id, run_id, step_name, status, reason, cache_key, source_hash, parameters, started_at, ended_at
	 FROM step_runs
	 WHERE step_run_id = $1`

	selectStepRunParentsQuery = `SELECT parent_id FROM step_run_parents WHERE child_id = $1 ORDER BY parent_id ASC`

	updateStepRunStatusQuery = `UPDATE step_runs
	 SET status = $1,
	     reason = COALESCE($2, reason),
	     started_at = COALESCE(started_at, $3),
	     ended_at = COALESCE($4, ended_at)
	 WHERE step_run_id = $5 AND status = $6`

	selectStepRunByCacheKeyQuery = `SELECT sr.step_run_id, sr.run_id, sr.step_name, sr.status, sr.reason, sr.cache_key, sr.source_hash, sr.parameters, sr.started_at, sr.ended_at
	 FROM step_runs sr
	 JOIN pipeline_runs pr ON pr.run_id = sr.run_id
	 WHERE pr.pipeline_id = $1 AND sr.cache_key = $2 AND sr.status = 'completed'
	 ORDER BY sr.ended_at DESC, sr.step_run_id DESC
	 LIMIT 1`

	insertInputArtifactQuery = `INSERT INTO step_run_input_artifacts (step_run_id, artifact_id, name) VALUES ($1,$2,$3)`

	insertOutputArtifactQuery = `INSERT INTO step_run_output_artifacts (step_run_id, artifact_id, name) VALUES ($1,$2,$3)`

	selectInputArtifactsQuery = `SELECT b.name, a.artifact_id, a.type, a.object_key, a.sha256, a.size_bytes, a.producer_step_run_id, a.created_at
	 FROM step_run_input_artifacts b
	 JOIN artifacts a ON a.artifact_id = b.artifact_id
	 WHERE b.step_run_id = $1`

	selectOutputArtifactsQuery = `SELECT b.name, a.artifact_id, a.type, a.object_key, a.sha256, a.size_bytes, a.producer_step_run_id, a.created_at
	 FROM step_run_output_artifacts b
	 JOIN artifacts a ON a.artifact_id = b.artifact_id
	 WHERE b.step_run_id = $1`
)

func NewStepRunStore(db DB) *StepRunStore {
	if db == nil {
		return nil
	}
	return &StepRunStore{db: db}
}

// CreateStepRun inserts the step run and its parent links in one
// transaction.
func (s *StepRunStore) CreateStepRun(ctx context.Context, stepRun domain.StepRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	if err := stepRun.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeParams(stepRun.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			insertStepRunQuery,
			strings.TrimSpace(stepRun.ID),
			strings.TrimSpace(stepRun.RunID),
			strings.TrimSpace(stepRun.StepName),
			string(stepRun.Status),
			nullIfEmpty(stepRun.Reason),
			strings.TrimSpace(stepRun.CacheKey),
			strings.TrimSpace(stepRun.SourceHash),
			paramsJSON,
			nullTime(stepRun.StartedAt),
			nullTime(stepRun.EndedAt),
		)
		if err != nil {
			return storeErr("insert step run", err)
		}
		for _, parentID := range stepRun.ParentIDs {
			if _, err := tx.ExecContext(ctx, insertStepRunParentQuery, strings.TrimSpace(parentID), strings.TrimSpace(stepRun.ID)); err != nil {
				return storeErr("insert step run parent", err)
			}
		}
		return nil
	})
}

func (s *StepRunStore) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	stepRun, err := scanStepRun(s.db.QueryRowContext(ctx, selectStepRunQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.StepRun{}, err
	}
	stepRun.ParentIDs, err = s.listParents(ctx, stepRun.ID)
	if err != nil {
		return domain.StepRun{}, err
	}
	return stepRun, nil
}

func scanStepRun(row rowScanner) (domain.StepRun, error) {
	var (
		stepRun    domain.StepRun
		status     string
		reason     sql.NullString
		paramsJSON []byte
		startedAt  sql.NullTime
		endedAt    sql.NullTime
	)
	if err := row.Scan(&stepRun.ID, &stepRun.RunID, &stepRun.StepName, &status, &reason, &stepRun.CacheKey, &stepRun.SourceHash, &paramsJSON, &startedAt, &endedAt); err != nil {
		return domain.StepRun{}, handleNotFound(err)
	}
	stepRun.Status = domain.StepStatus(status)
	stepRun.Reason = reason.String
	stepRun.StartedAt = timePtr(startedAt)
	stepRun.EndedAt = timePtr(endedAt)
	params, err := decodeParams(paramsJSON)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("decode parameters: %w", err)
	}
	stepRun.Parameters = params
	return stepRun, nil
}

func (s *StepRunStore) listParents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectStepRunParentsQuery, id)
	if err != nil {
		return nil, storeErr("list step run parents", err)
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var parentID string
		if err := rows.Scan(&parentID); err != nil {
			return nil, storeErr("scan step run parent", err)
		}
		parents = append(parents, parentID)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate step run parents", err)
	}
	return parents, nil
}

func (s *StepRunStore) ListStepRuns(ctx context.Context, filter repo.StepRunFilter) ([]domain.StepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.RunID) != "" {
		args = append(args, strings.TrimSpace(filter.RunID))
		clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT step_run_id, run_id, step_name, status, reason, cache_key, source_hash, parameters, started_at, ended_at
		FROM step_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY step_run_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list step runs", err)
	}
	defer rows.Close()

	stepRuns := make([]domain.StepRun, 0)
	for rows.Next() {
		stepRun, err := scanStepRun(rows)
		if err != nil {
			return nil, storeErr("scan step run", err)
		}
		stepRuns = append(stepRuns, stepRun)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate step runs", err)
	}
	for i := range stepRuns {
		parents, err := s.listParents(ctx, stepRuns[i].ID)
		if err != nil {
			return nil, err
		}
		stepRuns[i].ParentIDs = parents
	}
	return stepRuns, nil
}

// UpdateStepRunStatus moves a step run between statuses, guarded by the
// expected current status, and appends the transition event in the same
// transaction. The write is durable before this returns.
func (s *StepRunStore) UpdateStepRunStatus(ctx context.Context, id string, from, to domain.StepStatus, reason string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("step run id is required")
	}
	if !domain.CanTransitionStepStatus(from, to) {
		return fmt.Errorf("step transition %s -> %s is not allowed", from, to)
	}
	at = normalizeTime(at)

	var startedAt, endedAt sql.NullTime
	if to == domain.StepStatusRunning {
		startedAt = sql.NullTime{Time: at, Valid: true}
	}
	if to.Terminal() {
		endedAt = sql.NullTime{Time: at, Valid: true}
	}

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var runID string
		if err := tx.QueryRowContext(ctx, `SELECT run_id FROM step_runs WHERE step_run_id = $1`, id).Scan(&runID); err != nil {
			return handleNotFound(err)
		}
		res, err := tx.ExecContext(ctx, updateStepRunStatusQuery, string(to), nullIfEmpty(reason), startedAt, endedAt, id, string(from))
		if err != nil {
			return storeErr("update step run status", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeErr("update step run status", err)
		}
		if affected == 0 {
			var current string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM step_runs WHERE step_run_id = $1`, id).Scan(&current); err != nil {
				return handleNotFound(err)
			}
			return fmt.Errorf("step run %s is %s, expected %s: %w", id, current, from, repo.ErrConflict)
		}
		_, err = runevent.Insert(ctx, tx, runevent.Event{
			OccurredAt: at,
			RunID:      runID,
			StepRunID:  id,
			FromStatus: string(from),
			ToStatus:   string(to),
			Reason:     reason,
		})
		if err != nil {
			return storeErr("append run event", err)
		}
		return nil
	})
}

func (s *StepRunStore) GetStepRunByCacheKey(ctx context.Context, pipelineID, cacheKey string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	pipelineID = strings.TrimSpace(pipelineID)
	cacheKey = strings.TrimSpace(cacheKey)
	if pipelineID == "" || cacheKey == "" {
		return domain.StepRun{}, fmt.Errorf("pipeline id and cache key are required")
	}
	stepRun, err := scanStepRun(s.db.QueryRowContext(ctx, selectStepRunByCacheKeyQuery, pipelineID, cacheKey))
	if err != nil {
		return domain.StepRun{}, err
	}
	stepRun.ParentIDs, err = s.listParents(ctx, stepRun.ID)
	if err != nil {
		return domain.StepRun{}, err
	}
	return stepRun, nil
}

func (s *StepRunStore) BindArtifact(ctx context.Context, stepRunID, name, artifactID, direction string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	stepRunID = strings.TrimSpace(stepRunID)
	name = strings.TrimSpace(name)
	artifactID = strings.TrimSpace(artifactID)
	if stepRunID == "" || name == "" || artifactID == "" {
		return fmt.Errorf("step run id, name and artifact id are required")
	}

	var query string
	switch direction {
	case domain.ArtifactDirectionInput:
		query = insertInputArtifactQuery
	case domain.ArtifactDirectionOutput:
		query = insertOutputArtifactQuery
	default:
		return fmt.Errorf("direction %q is not valid", direction)
	}

	if _, err := s.db.ExecContext(ctx, query, stepRunID, artifactID, name); err != nil {
		return storeErr("bind artifact", err)
	}
	return nil
}

func (s *StepRunStore) ListBoundArtifacts(ctx context.Context, stepRunID, direction string) (map[string]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}

	var query string
	switch direction {
	case domain.ArtifactDirectionInput:
		query = selectInputArtifactsQuery
	case domain.ArtifactDirectionOutput:
		query = selectOutputArtifactsQuery
	default:
		return nil, fmt.Errorf("direction %q is not valid", direction)
	}

	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(stepRunID))
	if err != nil {
		return nil, storeErr("list bound artifacts", err)
	}
	defer rows.Close()

	bound := make(map[string]domain.Artifact)
	for rows.Next() {
		var (
			name     string
			artifact domain.Artifact
			producer sql.NullString
		)
		if err := rows.Scan(&name, &artifact.ID, &artifact.Type, &artifact.ObjectKey, &artifact.SHA256, &artifact.SizeBytes, &producer, &artifact.CreatedAt); err != nil {
			return nil, storeErr("scan bound artifact", err)
		}
		artifact.ProducerStepRunID = producer.String
		artifact.CreatedAt = artifact.CreatedAt.UTC()
		bound[name] = artifact
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate bound artifacts", err)
	}
	return bound, nil
}
