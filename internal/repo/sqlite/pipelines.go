package sqlite

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
		`INSERT INTO pipelines (pipeline_id, name, spec_hash, document, created_at) VALUES (?,?,?,?,?)`,
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
	row := s.db.QueryRowContext(
		ctx,
		`SELECT pipeline_id, name, spec_hash, document, created_at FROM pipelines WHERE pipeline_id = ?`,
		strings.TrimSpace(id),
	)
	return scanPipeline(row)
}

func (s *PipelineStore) GetPipelineBySpecHash(ctx context.Context, specHash string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT pipeline_id, name, spec_hash, document, created_at FROM pipelines WHERE spec_hash = ?`,
		strings.TrimSpace(specHash),
	)
	return scanPipeline(row)
}

func scanPipeline(row rowScanner) (domain.Pipeline, error) {
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
	query := `SELECT pipeline_id, name, spec_hash, document, created_at FROM pipelines`
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Name) != "" {
		query += ` WHERE name = ?`
		args = append(args, strings.TrimSpace(filter.Name))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list pipelines", err)
	}
	defer rows.Close()

	pipelines := make([]domain.Pipeline, 0)
	for rows.Next() {
		p, err := scanPipeline(rows)
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

func (s *PipelineStore) DeletePipeline(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline store not initialized")
	}
	id = strings.TrimSpace(id)
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var runs int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs WHERE pipeline_id = ?`, id).Scan(&runs); err != nil {
			return storeErr("count pipeline runs", err)
		}
		if runs > 0 {
			return repo.ErrConflict
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE pipeline_id = ?`, id)
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
