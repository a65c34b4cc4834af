package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/execution/plan"
	"github.com/cascade-labs/cascade-go/internal/execution/specvalidator"
	"github.com/cascade-labs/cascade-go/internal/platform/runevent"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

const validDocument = `
schema: cascade.pipeline.v1
name: demo
steps:
  - name: fetch
    image: busybox:1.36
    source_hash: aaa111
    outputs:
      - name: data
  - name: train
    image: busybox:1.36
    source_hash: bbb222
    parameters:
      epochs: "3"
    inputs:
      - name: data
        from_step: fetch
        output: data
`

const cyclicDocument = `
schema: cascade.pipeline.v1
name: loop
steps:
  - name: a
    image: busybox:1.36
    source_hash: aaa
    inputs:
      - name: in
        from_step: b
        output: out
    outputs:
      - name: out
  - name: b
    image: busybox:1.36
    source_hash: bbb
    inputs:
      - name: in
        from_step: a
        output: out
    outputs:
      - name: out
`

const externalInputDocument = `
schema: cascade.pipeline.v1
name: with-external
steps:
  - name: ingest
    image: busybox:1.36
    source_hash: ccc
    inputs:
      - name: raw
        external: dataset
    outputs:
      - name: clean
`

type memPipelineRepo struct {
	byID   map[string]domain.Pipeline
	byHash map[string]domain.Pipeline
}

func newMemPipelineRepo() *memPipelineRepo {
	return &memPipelineRepo{
		byID:   make(map[string]domain.Pipeline),
		byHash: make(map[string]domain.Pipeline),
	}
}

func (r *memPipelineRepo) CreatePipeline(_ context.Context, p domain.Pipeline) error {
	if _, exists := r.byHash[p.SpecHash]; exists {
		return repo.ErrConflict
	}
	r.byID[p.ID] = p
	r.byHash[p.SpecHash] = p
	return nil
}

func (r *memPipelineRepo) GetPipeline(_ context.Context, id string) (domain.Pipeline, error) {
	p, ok := r.byID[id]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *memPipelineRepo) GetPipelineBySpecHash(_ context.Context, specHash string) (domain.Pipeline, error) {
	p, ok := r.byHash[specHash]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *memPipelineRepo) ListPipelines(_ context.Context, _ repo.PipelineFilter) ([]domain.Pipeline, error) {
	out := make([]domain.Pipeline, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out, nil
}

func (r *memPipelineRepo) DeletePipeline(_ context.Context, id string) error {
	p, ok := r.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byHash, p.SpecHash)
	return nil
}

type memRunRepo struct {
	runs    map[string]domain.PipelineRun
	deleted []string
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[string]domain.PipelineRun)}
}

func (r *memRunRepo) CreateRun(_ context.Context, run domain.PipelineRun) error {
	if _, exists := r.runs[run.ID]; exists {
		return repo.ErrConflict
	}
	r.runs[run.ID] = run
	return nil
}

func (r *memRunRepo) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	run, ok := r.runs[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (r *memRunRepo) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	var out []domain.PipelineRun
	for _, run := range r.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (r *memRunRepo) UpdateRunStatus(_ context.Context, id string, from, to domain.RunStatus, _ time.Time) error {
	run, ok := r.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != from {
		return fmt.Errorf("%w: run %s is %s", repo.ErrConflict, id, run.Status)
	}
	run.Status = to
	r.runs[id] = run
	return nil
}

func (r *memRunRepo) ClaimQueuedRun(_ context.Context, _ time.Time) (domain.PipelineRun, error) {
	return domain.PipelineRun{}, repo.ErrNotFound
}

func (r *memRunRepo) RequestCancel(_ context.Context, id string, _ time.Time) error {
	run, ok := r.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status.Terminal() {
		return repo.ErrConflict
	}
	return nil
}

func (r *memRunRepo) CancelRequested(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (r *memRunRepo) DeleteRun(_ context.Context, id string) error {
	if _, ok := r.runs[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.runs, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *memRunRepo) ListRunEvents(_ context.Context, _ string, _ int64, _ int) ([]runevent.Row, error) {
	return nil, nil
}

type memStepRepo struct {
	steps    []domain.StepRun
	bindings map[string]map[string]map[string]domain.Artifact // stepRunID -> direction -> name
}

func newMemStepRepo() *memStepRepo {
	return &memStepRepo{bindings: make(map[string]map[string]map[string]domain.Artifact)}
}

func (r *memStepRepo) CreateStepRun(_ context.Context, sr domain.StepRun) error {
	r.steps = append(r.steps, sr)
	return nil
}

func (r *memStepRepo) GetStepRun(_ context.Context, id string) (domain.StepRun, error) {
	for _, sr := range r.steps {
		if sr.ID == id {
			return sr, nil
		}
	}
	return domain.StepRun{}, repo.ErrNotFound
}

func (r *memStepRepo) ListStepRuns(_ context.Context, filter repo.StepRunFilter) ([]domain.StepRun, error) {
	var out []domain.StepRun
	for _, sr := range r.steps {
		if filter.RunID != "" && sr.RunID != filter.RunID {
			continue
		}
		out = append(out, sr)
	}
	return out, nil
}

func (r *memStepRepo) UpdateStepRunStatus(_ context.Context, id string, from, to domain.StepStatus, reason string, _ time.Time) error {
	for i, sr := range r.steps {
		if sr.ID != id {
			continue
		}
		if sr.Status != from {
			return repo.ErrConflict
		}
		r.steps[i].Status = to
		r.steps[i].Reason = reason
		return nil
	}
	return repo.ErrNotFound
}

func (r *memStepRepo) GetStepRunByCacheKey(_ context.Context, _, _ string) (domain.StepRun, error) {
	return domain.StepRun{}, repo.ErrNotFound
}

func (r *memStepRepo) BindArtifact(_ context.Context, stepRunID, name, artifactID, direction string) error {
	byDir, ok := r.bindings[stepRunID]
	if !ok {
		byDir = make(map[string]map[string]domain.Artifact)
		r.bindings[stepRunID] = byDir
	}
	byName, ok := byDir[direction]
	if !ok {
		byName = make(map[string]domain.Artifact)
		byDir[direction] = byName
	}
	byName[name] = domain.Artifact{ID: artifactID}
	return nil
}

func (r *memStepRepo) ListBoundArtifacts(_ context.Context, stepRunID, direction string) (map[string]domain.Artifact, error) {
	out := make(map[string]domain.Artifact)
	for name, art := range r.bindings[stepRunID][direction] {
		out[name] = art
	}
	return out, nil
}

type memArtifactRepo struct {
	artifacts map[string]domain.Artifact
}

func newMemArtifactRepo() *memArtifactRepo {
	return &memArtifactRepo{artifacts: make(map[string]domain.Artifact)}
}

func (r *memArtifactRepo) CreateArtifact(_ context.Context, art domain.Artifact) error {
	if _, exists := r.artifacts[art.ID]; exists {
		return repo.ErrConflict
	}
	r.artifacts[art.ID] = art
	return nil
}

func (r *memArtifactRepo) GetArtifact(_ context.Context, id string) (domain.Artifact, error) {
	art, ok := r.artifacts[id]
	if !ok {
		return domain.Artifact{}, repo.ErrNotFound
	}
	return art, nil
}

func (r *memArtifactRepo) ListArtifacts(_ context.Context, _ repo.ArtifactFilter) ([]domain.Artifact, error) {
	out := make([]domain.Artifact, 0, len(r.artifacts))
	for _, art := range r.artifacts {
		out = append(out, art)
	}
	return out, nil
}

type serviceFixture struct {
	svc       *pipelineService
	pipelines *memPipelineRepo
	runs      *memRunRepo
	stepRuns  *memStepRepo
	artifacts *memArtifactRepo
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &serviceFixture{
		pipelines: newMemPipelineRepo(),
		runs:      newMemRunRepo(),
		stepRuns:  newMemStepRepo(),
		artifacts: newMemArtifactRepo(),
	}
	f.svc = newPipelineService(logger, f.pipelines, f.runs, f.stepRuns, f.artifacts, nil)
	return f
}

func TestSubmitPipelineIdempotentOnSpecHash(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.SubmitPipeline(ctx, []byte(validDocument))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if !created {
		t.Fatalf("first submit should create the pipeline")
	}
	if first.Name != "demo" {
		t.Fatalf("name = %q, want demo", first.Name)
	}

	second, created, err := f.svc.SubmitPipeline(ctx, []byte(validDocument))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if created {
		t.Fatalf("second submit must not create a new pipeline")
	}
	if second.ID != first.ID {
		t.Fatalf("second submit returned %s, want %s", second.ID, first.ID)
	}
	if len(f.pipelines.byID) != 1 {
		t.Fatalf("stored pipelines = %d, want 1", len(f.pipelines.byID))
	}
}

func TestSubmitPipelineRejectsBadSchema(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.SubmitPipeline(context.Background(), []byte("schema: nope\nname: x\nsteps:\n  - name: a\n    image: img\n    source_hash: h\n"))
	var valErr *specvalidator.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestSubmitPipelineRejectsCycle(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.SubmitPipeline(context.Background(), []byte(cyclicDocument))
	var resErr *plan.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("err = %v, want ResolutionError", err)
	}
	if len(resErr.Cycle) == 0 {
		t.Fatalf("resolution error should report the cycle")
	}
	if len(f.pipelines.byID) != 0 {
		t.Fatalf("cyclic document must not be stored")
	}
}

func TestTriggerRunRequiresBoundExternalInputs(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	pipeline, _, err := f.svc.SubmitPipeline(ctx, []byte(externalInputDocument))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = f.svc.TriggerRun(ctx, pipeline.ID, nil, nil, "", nil)
	var valErr *specvalidator.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(valErr.Issues) != 1 || !strings.Contains(valErr.Issues[0], `"dataset"`) {
		t.Fatalf("issues = %v, want one issue naming dataset", valErr.Issues)
	}

	_, err = f.svc.TriggerRun(ctx, pipeline.ID, map[string]string{"dataset": "missing-artifact"}, nil, "", nil)
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError for unknown artifact", err)
	}

	f.artifacts.artifacts["art-1"] = domain.Artifact{ID: "art-1", Type: "bytes"}
	run, err := f.svc.TriggerRun(ctx, pipeline.ID, map[string]string{"dataset": "art-1"}, nil, "", nil)
	if err != nil {
		t.Fatalf("trigger with bound input: %v", err)
	}
	if run.Status != domain.RunStatusQueued {
		t.Fatalf("status = %s, want queued", run.Status)
	}
	if run.Config.ExternalInputs["dataset"] != "art-1" {
		t.Fatalf("external input binding not snapshotted: %v", run.Config.ExternalInputs)
	}
	if run.IntegritySHA256 == "" {
		t.Fatalf("run integrity hash is empty")
	}
}

func TestTriggerRunAppliesParameterOverrides(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	pipeline, _, err := f.svc.SubmitPipeline(ctx, []byte(validDocument))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	run, err := f.svc.TriggerRun(ctx, pipeline.ID, nil, map[string]domain.Params{
		"train":   {"epochs": "10", "rate": "0.1"},
		"unknown": {"ignored": "yes"},
	}, "local", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	var trainStep domain.StepSpec
	for _, step := range run.Config.Spec.Steps {
		if step.Name == "train" {
			trainStep = step
		}
	}
	if trainStep.Parameters["epochs"] != "10" {
		t.Fatalf("epochs = %q, want override 10", trainStep.Parameters["epochs"])
	}
	if trainStep.Parameters["rate"] != "0.1" {
		t.Fatalf("rate = %q, want 0.1", trainStep.Parameters["rate"])
	}
	if run.Config.Backend != "local" {
		t.Fatalf("backend = %q, want local", run.Config.Backend)
	}

	// The stored document is untouched: the next default trigger still sees
	// the declared value.
	again, err := f.svc.TriggerRun(ctx, pipeline.ID, nil, nil, "", nil)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	for _, step := range again.Config.Spec.Steps {
		if step.Name == "train" && step.Parameters["epochs"] != "3" {
			t.Fatalf("declared epochs = %q, want 3", step.Parameters["epochs"])
		}
	}
}

func TestTriggerRunSnapshotsMetadata(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	pipeline, _, err := f.svc.SubmitPipeline(ctx, []byte(validDocument))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	meta := domain.Metadata{"ticket": "OPS-142", "attempt": 2}
	run, err := f.svc.TriggerRun(ctx, pipeline.ID, nil, nil, "", meta)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if run.Config.Metadata["ticket"] != "OPS-142" {
		t.Fatalf("metadata = %v, want ticket OPS-142", run.Config.Metadata)
	}

	// The stored snapshot is a copy; later caller mutations must not reach it.
	meta["ticket"] = "OPS-999"
	stored := f.runs.runs[run.ID]
	if stored.Config.Metadata["ticket"] != "OPS-142" {
		t.Fatalf("stored metadata = %v, caller mutation leaked in", stored.Config.Metadata)
	}
}

func TestDeleteRunRequiresTerminalStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.runs.runs["run-1"] = domain.PipelineRun{ID: "run-1", Status: domain.RunStatusRunning}
	f.runs.runs["run-2"] = domain.PipelineRun{ID: "run-2", Status: domain.RunStatusCompleted}

	err := f.svc.DeleteRun(ctx, "run-1")
	if !errors.Is(err, errRunNotTerminal) {
		t.Fatalf("delete running run: err = %v, want errRunNotTerminal", err)
	}
	if err := f.svc.DeleteRun(ctx, "run-2"); err != nil {
		t.Fatalf("delete completed run: %v", err)
	}
	if len(f.runs.deleted) != 1 || f.runs.deleted[0] != "run-2" {
		t.Fatalf("deleted = %v, want [run-2]", f.runs.deleted)
	}
	if err := f.svc.DeleteRun(ctx, "run-3"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("delete unknown run: err = %v, want ErrNotFound", err)
	}
}

func TestRunArtifactsDeduplicatesSharedOutputs(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.runs.runs["run-1"] = domain.PipelineRun{ID: "run-1", Status: domain.RunStatusCompleted}
	f.stepRuns.steps = []domain.StepRun{
		{ID: "sr-1", RunID: "run-1", StepName: "a", Status: domain.StepStatusCompleted},
		{ID: "sr-2", RunID: "run-1", StepName: "b", Status: domain.StepStatusCached},
	}
	// A cached step rebinds the same artifact a completed step produced.
	if err := f.stepRuns.BindArtifact(ctx, "sr-1", "out", "art-1", domain.ArtifactDirectionOutput); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := f.stepRuns.BindArtifact(ctx, "sr-2", "out", "art-1", domain.ArtifactDirectionOutput); err != nil {
		t.Fatalf("bind: %v", err)
	}

	artifacts, err := f.svc.RunArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("run artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1 after dedup", len(artifacts))
	}
	if artifacts[0].ID != "art-1" {
		t.Fatalf("artifact id = %s, want art-1", artifacts[0].ID)
	}
}

func TestStepDetailReturnsBindings(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.stepRuns.steps = []domain.StepRun{
		{ID: "sr-1", RunID: "run-1", StepName: "train", Status: domain.StepStatusCompleted},
	}
	if err := f.stepRuns.BindArtifact(ctx, "sr-1", "data", "art-in", domain.ArtifactDirectionInput); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := f.stepRuns.BindArtifact(ctx, "sr-1", "model", "art-out", domain.ArtifactDirectionOutput); err != nil {
		t.Fatalf("bind: %v", err)
	}

	detail, err := f.svc.StepDetail(ctx, "run-1", "train")
	if err != nil {
		t.Fatalf("step detail: %v", err)
	}
	if detail.StepRun.ID != "sr-1" {
		t.Fatalf("step run id = %s, want sr-1", detail.StepRun.ID)
	}
	if detail.Inputs["data"].ID != "art-in" {
		t.Fatalf("input binding = %v, want art-in", detail.Inputs)
	}
	if detail.Outputs["model"].ID != "art-out" {
		t.Fatalf("output binding = %v, want art-out", detail.Outputs)
	}

	if _, err := f.svc.StepDetail(ctx, "run-1", "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown step: err = %v, want ErrNotFound", err)
	}
}
