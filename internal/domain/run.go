package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PipelineRun is one orchestrated execution of a pipeline. Config is the
// immutable snapshot the run executes against; status fields are the only
// mutable part of the record.
type PipelineRun struct {
	ID              string
	PipelineID      string
	Status          RunStatus
	Config          RunConfig
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	CanceledAt      *time.Time
	IntegritySHA256 string
}

// RunConfig snapshots everything a run needs to execute: the resolved spec,
// the external artifact bindings, and the backend it was triggered for.
// Metadata carries caller-supplied annotations; the engine stores it with
// the snapshot but never interprets it.
type RunConfig struct {
	Spec           PipelineSpec      `json:"spec"`
	ExternalInputs map[string]string `json:"external_inputs,omitempty"`
	Backend        string            `json:"backend,omitempty"`
	Metadata       Metadata          `json:"metadata,omitempty"`
}

// StepRun records one execution attempt of a step within a run. CacheKey and
// SourceHash are fixed at creation; status, reason and end time change as the
// step progresses.
type StepRun struct {
	ID         string
	RunID      string
	StepName   string
	Status     StepStatus
	Reason     string
	CacheKey   string
	SourceHash string
	Parameters Params
	StartedAt  *time.Time
	EndedAt    *time.Time
	ParentIDs  []string
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return fmt.Errorf("run status %q is not valid", r.Status)
	}
	if len(r.Config.Spec.Steps) == 0 {
		return errors.New("run config spec is required")
	}
	return nil
}

func (s StepRun) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step run id is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(s.StepName) == "" {
		return errors.New("step name is required")
	}
	if NormalizeStepStatus(string(s.Status)) == "" {
		return fmt.Errorf("step status %q is not valid", s.Status)
	}
	return nil
}

// ComputeRunIntegritySHA256 hashes the immutable identity of a run. Status
// and timestamps are excluded: they change as the run progresses.
func ComputeRunIntegritySHA256(run PipelineRun) (string, error) {
	type integrityInput struct {
		RunID      string    `json:"run_id"`
		PipelineID string    `json:"pipeline_id"`
		Config     RunConfig `json:"config"`
		CreatedAt  time.Time `json:"created_at"`
	}
	blob, err := json.Marshal(integrityInput{
		RunID:      strings.TrimSpace(run.ID),
		PipelineID: strings.TrimSpace(run.PipelineID),
		Config:     run.Config,
		CreatedAt:  run.CreatedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
