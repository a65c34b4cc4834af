package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cascade-labs/cascade-go/internal/artifact"
	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/execution/plan"
	"github.com/cascade-labs/cascade-go/internal/execution/specvalidator"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

var errRunNotTerminal = errors.New("run is not terminal")

// pipelineService implements the operations behind the REST surface:
// pipeline registration, run triggering and inspection, and external
// artifact uploads. Orchestration itself lives in the scheduler; the
// service only creates queued runs for the worker to claim.
type pipelineService struct {
	logger    *slog.Logger
	pipelines repo.PipelineRepository
	runs      repo.RunRepository
	stepRuns  repo.StepRunRepository
	artifacts repo.ArtifactRepository
	uploads   *artifact.Store
	now       func() time.Time
}

func newPipelineService(logger *slog.Logger, pipelines repo.PipelineRepository, runs repo.RunRepository, stepRuns repo.StepRunRepository, artifacts repo.ArtifactRepository, uploads *artifact.Store) *pipelineService {
	return &pipelineService{
		logger:    logger,
		pipelines: pipelines,
		runs:      runs,
		stepRuns:  stepRuns,
		artifacts: artifacts,
		uploads:   uploads,
		now:       time.Now,
	}
}

// SubmitPipeline validates and stores a pipeline document. Submission is
// idempotent on the document's spec hash: re-posting an identical document
// returns the already registered pipeline.
func (s *pipelineService) SubmitPipeline(ctx context.Context, raw []byte) (domain.Pipeline, bool, error) {
	doc, err := domain.ParseDocument(raw)
	if err != nil {
		return domain.Pipeline{}, false, &specvalidator.ValidationError{Issues: []string{err.Error()}}
	}
	spec := doc.ToSpec()
	if err := spec.ValidateBasicShape(); err != nil {
		return domain.Pipeline{}, false, &specvalidator.ValidationError{Issues: []string{err.Error()}}
	}
	if err := specvalidator.ValidatePipelineSpec(spec); err != nil {
		return domain.Pipeline{}, false, err
	}
	if _, err := plan.Resolve(spec); err != nil {
		return domain.Pipeline{}, false, err
	}

	specHash, err := domain.ComputeSpecHash(doc)
	if err != nil {
		return domain.Pipeline{}, false, err
	}
	existing, err := s.pipelines.GetPipelineBySpecHash(ctx, specHash)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Pipeline{}, false, err
	}

	pipeline := domain.Pipeline{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		SpecHash:  specHash,
		Document:  string(raw),
		CreatedAt: s.now().UTC(),
	}
	if err := s.pipelines.CreatePipeline(ctx, pipeline); err != nil {
		return domain.Pipeline{}, false, err
	}
	s.logger.Info("pipeline registered",
		"pipeline_id", pipeline.ID, "name", pipeline.Name, "spec_hash", specHash, "steps", len(spec.Steps))
	return pipeline, true, nil
}

// PlanPipeline resolves a registered pipeline without creating a run.
func (s *pipelineService) PlanPipeline(ctx context.Context, pipelineID string) (plan.Plan, error) {
	spec, err := s.loadSpec(ctx, pipelineID)
	if err != nil {
		return plan.Plan{}, err
	}
	return plan.Resolve(spec)
}

// TriggerRun snapshots the pipeline's spec with any parameter overrides and
// external input bindings applied, and creates the run queued. Every
// external input the spec references must be bound to an existing artifact.
// Caller metadata is stored with the snapshot verbatim.
func (s *pipelineService) TriggerRun(ctx context.Context, pipelineID string, externalInputs map[string]string, overrides map[string]domain.Params, backendName string, metadata domain.Metadata) (domain.PipelineRun, error) {
	spec, err := s.loadSpec(ctx, pipelineID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	spec = applyOverrides(spec, overrides)
	if _, err := plan.Resolve(spec); err != nil {
		return domain.PipelineRun{}, err
	}

	issues := &specvalidator.ValidationError{}
	for _, name := range spec.ExternalInputNames() {
		id := strings.TrimSpace(externalInputs[name])
		if id == "" {
			issues.Add(fmt.Sprintf("external input %q is not bound", name))
			continue
		}
		if _, err := s.artifacts.GetArtifact(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				issues.Add(fmt.Sprintf("external input %q is bound to unknown artifact %q", name, id))
				continue
			}
			return domain.PipelineRun{}, err
		}
	}
	if err := issues.OrNil(); err != nil {
		return domain.PipelineRun{}, err
	}

	run := domain.PipelineRun{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Status:     domain.RunStatusQueued,
		Config: domain.RunConfig{
			Spec:           spec,
			ExternalInputs: externalInputs,
			Backend:        strings.TrimSpace(backendName),
			Metadata:       metadata.Clone(),
		},
		CreatedAt: s.now().UTC(),
	}
	integrity, err := domain.ComputeRunIntegritySHA256(run)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	run.IntegritySHA256 = integrity
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.PipelineRun{}, err
	}
	s.logger.Info("run queued", "run_id", run.ID, "pipeline_id", pipelineID, "steps", len(spec.Steps))
	return run, nil
}

// DeleteRun removes a terminal run. Administrative operation; a run still
// queued or running must be canceled first.
func (s *pipelineService) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", errRunNotTerminal, runID, run.Status)
	}
	return s.runs.DeleteRun(ctx, runID)
}

// StepDetail is one step run with its artifact bindings.
type StepDetail struct {
	StepRun domain.StepRun
	Inputs  map[string]domain.Artifact
	Outputs map[string]domain.Artifact
}

func (s *pipelineService) StepDetail(ctx context.Context, runID, stepName string) (StepDetail, error) {
	stepRuns, err := s.stepRuns.ListStepRuns(ctx, repo.StepRunFilter{RunID: runID})
	if err != nil {
		return StepDetail{}, err
	}
	for _, sr := range stepRuns {
		if sr.StepName != stepName {
			continue
		}
		inputs, err := s.stepRuns.ListBoundArtifacts(ctx, sr.ID, domain.ArtifactDirectionInput)
		if err != nil {
			return StepDetail{}, err
		}
		outputs, err := s.stepRuns.ListBoundArtifacts(ctx, sr.ID, domain.ArtifactDirectionOutput)
		if err != nil {
			return StepDetail{}, err
		}
		return StepDetail{StepRun: sr, Inputs: inputs, Outputs: outputs}, nil
	}
	return StepDetail{}, repo.ErrNotFound
}

// RunArtifacts lists the artifacts produced by a run's step runs, in step
// run order.
func (s *pipelineService) RunArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	stepRuns, err := s.stepRuns.ListStepRuns(ctx, repo.StepRunFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []domain.Artifact
	for _, sr := range stepRuns {
		outputs, err := s.stepRuns.ListBoundArtifacts(ctx, sr.ID, domain.ArtifactDirectionOutput)
		if err != nil {
			return nil, err
		}
		for _, art := range outputs {
			if _, dup := seen[art.ID]; dup {
				continue
			}
			seen[art.ID] = struct{}{}
			out = append(out, art)
		}
	}
	return out, nil
}

// UploadExternalArtifact stores a trigger-time payload and registers its
// record.
func (s *pipelineService) UploadExternalArtifact(ctx context.Context, typeTag string, payload []byte) (domain.Artifact, error) {
	art, err := s.uploads.UploadExternal(ctx, typeTag, payload)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := s.artifacts.CreateArtifact(ctx, art); err != nil {
		return domain.Artifact{}, err
	}
	s.logger.Info("external artifact registered",
		"artifact_id", art.ID, "type", art.Type, "size_bytes", art.SizeBytes)
	return art, nil
}

func (s *pipelineService) loadSpec(ctx context.Context, pipelineID string) (domain.PipelineSpec, error) {
	pipeline, err := s.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return domain.PipelineSpec{}, err
	}
	doc, err := domain.ParseDocument([]byte(pipeline.Document))
	if err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("stored document for %s is unreadable: %w", pipelineID, err)
	}
	return doc.ToSpec(), nil
}

// applyOverrides merges trigger-time parameter values over the declared
// step parameters. Unknown step names are ignored.
func applyOverrides(spec domain.PipelineSpec, overrides map[string]domain.Params) domain.PipelineSpec {
	if len(overrides) == 0 {
		return spec
	}
	steps := make([]domain.StepSpec, len(spec.Steps))
	copy(steps, spec.Steps)
	for i, step := range steps {
		over, ok := overrides[step.Name]
		if !ok || len(over) == 0 {
			continue
		}
		merged := step.Parameters.Clone()
		for k, v := range over {
			merged[k] = v
		}
		steps[i].Parameters = merged
	}
	spec.Steps = steps
	return spec
}
