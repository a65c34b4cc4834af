package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (artifact_id, type, object_key, sha256, size_bytes, producer_step_run_id, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.Type),
		strings.TrimSpace(artifact.ObjectKey),
		strings.TrimSpace(artifact.SHA256),
		artifact.SizeBytes,
		nullIfEmpty(artifact.ProducerStepRunID),
		normalizeTime(artifact.CreatedAt),
	)
	if err != nil {
		return storeErr("insert artifact", err)
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("artifact store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT artifact_id, type, object_key, sha256, size_bytes, producer_step_run_id, created_at
		 FROM artifacts WHERE artifact_id = ?`,
		strings.TrimSpace(id),
	)
	return scanArtifact(row)
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var (
		artifact domain.Artifact
		producer sql.NullString
	)
	if err := row.Scan(&artifact.ID, &artifact.Type, &artifact.ObjectKey, &artifact.SHA256, &artifact.SizeBytes, &producer, &artifact.CreatedAt); err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	artifact.ProducerStepRunID = producer.String
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	return artifact, nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query := `SELECT artifact_id, type, object_key, sha256, size_bytes, producer_step_run_id, created_at FROM artifacts`
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.ProducerStepRunID) != "" {
		clauses = append(clauses, "producer_step_run_id = ?")
		args = append(args, strings.TrimSpace(filter.ProducerStepRunID))
	}
	if strings.TrimSpace(filter.Type) != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, strings.TrimSpace(filter.Type))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list artifacts", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, storeErr("scan artifact", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate artifacts", err)
	}
	return artifacts, nil
}
