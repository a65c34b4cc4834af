// Package runevent appends and reads the run_events transition log. Every
// run and step status change produces one row; rows are append-only and
// carry a sha256 over their canonical JSON form.
package runevent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one recorded transition. StepRunID is empty for run-level
// transitions; Reason is empty unless the transition carries one (upstream
// failure, cancellation, dispatch lost).
type Event struct {
	OccurredAt time.Time
	RunID      string
	StepRunID  string
	FromStatus string
	ToStatus   string
	Reason     string
}

// Row is an Event as stored, with its assigned id.
type Row struct {
	EventID int64
	Event
	IntegritySHA256 string
}

// QueryRower is the subset of *sql.DB / *sql.Tx needed by Insert.
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queryer is the subset of *sql.DB / *sql.Tx needed by ListByRun.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if strings.TrimSpace(e.FromStatus) == "" {
		return errors.New("FromStatus is required")
	}
	if strings.TrimSpace(e.ToStatus) == "" {
		return errors.New("ToStatus is required")
	}
	return nil
}

// Insert appends one transition row and returns its event id. The $N
// placeholders bind positionally in both the pgx and sqlite3 drivers, so the
// same statement serves both stores.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	integrity, err := ComputeIntegritySHA256(event)
	if err != nil {
		return 0, err
	}

	var stepRunID sql.NullString
	if strings.TrimSpace(event.StepRunID) != "" {
		stepRunID = sql.NullString{String: strings.TrimSpace(event.StepRunID), Valid: true}
	}
	var reason sql.NullString
	if strings.TrimSpace(event.Reason) != "" {
		reason = sql.NullString{String: strings.TrimSpace(event.Reason), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		`INSERT INTO run_events (
			run_id,
			step_run_id,
			from_status,
			to_status,
			reason,
			occurred_at,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING event_id`,
		strings.TrimSpace(event.RunID),
		stepRunID,
		strings.TrimSpace(event.FromStatus),
		strings.TrimSpace(event.ToStatus),
		reason,
		event.OccurredAt.UTC(),
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run event: %w", err)
	}
	return id, nil
}

// ListByRun returns events for one run in id order, strictly after
// afterEventID. A limit <= 0 means no limit.
func ListByRun(ctx context.Context, q Queryer, runID string, afterEventID int64, limit int) ([]Row, error) {
	if q == nil {
		return nil, errors.New("queryer is required")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}

	query := `SELECT event_id, run_id, step_run_id, from_status, to_status, reason, occurred_at, integrity_sha256
		FROM run_events
		WHERE run_id = $1 AND event_id > $2
		ORDER BY event_id ASC`
	args := []any{strings.TrimSpace(runID), afterEventID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row       Row
			stepRunID sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(
			&row.EventID,
			&row.RunID,
			&stepRunID,
			&row.FromStatus,
			&row.ToStatus,
			&reason,
			&row.OccurredAt,
			&row.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		row.StepRunID = stepRunID.String
		row.Reason = reason.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return out, nil
}

// ComputeIntegritySHA256 hashes the canonical JSON form of the event.
func ComputeIntegritySHA256(event Event) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time `json:"occurred_at"`
		RunID      string    `json:"run_id"`
		StepRunID  string    `json:"step_run_id,omitempty"`
		FromStatus string    `json:"from_status"`
		ToStatus   string    `json:"to_status"`
		Reason     string    `json:"reason,omitempty"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		RunID:      strings.TrimSpace(event.RunID),
		StepRunID:  strings.TrimSpace(event.StepRunID),
		FromStatus: strings.TrimSpace(event.FromStatus),
		ToStatus:   strings.TrimSpace(event.ToStatus),
		Reason:     strings.TrimSpace(event.Reason),
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
