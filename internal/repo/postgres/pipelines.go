package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type PipelineStore struct {
	db DB
}

const (
	insertPipelineQuery = `INSERT INTO pipelines (
		pipeline_id,
		name,
		spec_hash,
		document,
		created_at
	) VALUES ($1,$2,$3,$4,$5)`

	selectPipelineQuery = `SELECT pipeline_id, name, spec_hash, document, created_at
	 FROM pipelines
	 WHERE pipeline_id = $1`

	selectPipelineBySpecHashQuery = `SELECT pipeline_id, name, spec_hash, document, created_at
	 FROM pipelines
	 WHERE spec_hash = $1`

	countPipelineRunsQuery = `SELECT COUNT(*) FROM pipeline_runs WHERE pipeline_id = $1`

	deletePipelineQuery = `DELETE FROM pipelines WHERE pipeline_id = $1`
)

func NewPipelineStore(db DB) *PipelineStore {
	if db == nil {
		return nil
	}
	return &PipelineStore{db: db}
}

func (s *PipelineStore) CreatePipeline(ctx context.Context, pipeline domain.Pipeline) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline store not initialized")
	}
	if err := pipeline.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertPipelineQuery,
		strings.TrimSpace(pipeline.ID),
		strings.TrimSpace(pipeline.Name),
		strings.TrimSpace(pipeline.SpecHash),
		pipeline.Document,
		normalizeTime(pipeline.CreatedAt),
	)
	if err != nil {
		return storeErr("insert pipeline", err)
	}
	return nil
}

func (s *PipelineStore) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	return s.scanPipeline(s.db.QueryRowContext(ctx, selectPipelineQuery, strings.TrimSpace(id)))
}

func (s *PipelineStore) GetPipelineBySpecHash(ctx context.Context, specHash string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	return s.scanPipeline(s.db.QueryRowContext(ctx, selectPipelineBySpecHashQuery, strings.TrimSpace(specHash)))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PipelineStore) scanPipeline(row rowScanner) (domain.Pipeline, error) {
	var p domain.Pipeline
	if err := row.Scan(&p.ID, &p.Name, &p.SpecHash, &p.Document, &p.CreatedAt); err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *PipelineStore) ListPipelines(ctx context.Context, filter repo.PipelineFilter) ([]domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pipeline store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	query := `SELECT pipeline_id, name, spec_hash, document, created_at FROM pipelines`
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
		return nil, storeErr("list pipelines", err)
	}
	defer rows.Close()

	pipelines := make([]domain.Pipeline, 0)
	for rows.Next() {
		p, err := s.scanPipeline(rows)
		if err != nil {
			return nil, storeErr("scan pipeline", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate pipelines", err)
	}
	return pipelines, nil
}

// DeletePipeline removes a pipeline. Pipelines with recorded runs cannot be
// deleted: run history is append-only.
func (s *PipelineStore) DeletePipeline(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline store not initialized")
	}
	id = strings.TrimSpace(id)
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var runs int64
		if err := tx.QueryRowContext(ctx, countPipelineRunsQuery, id).Scan(&runs); err != nil {
			return storeErr("count pipeline runs", err)
		}
		if runs > 0 {
			return repo.ErrConflict
		}
		res, err := tx.ExecContext(ctx, deletePipelineQuery, id)
		if err != nil {
			return storeErr("delete pipeline", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeErr("delete pipeline", err)
		}
		if affected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}
