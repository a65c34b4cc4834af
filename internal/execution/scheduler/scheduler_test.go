package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cascade-labs/cascade-go/internal/artifact"
	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/execution/backend"
	"github.com/cascade-labs/cascade-go/internal/execution/cachekey"
	"github.com/cascade-labs/cascade-go/internal/platform/runevent"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type fakeRunRepo struct {
	mu          sync.Mutex
	runs        map[string]domain.PipelineRun
	cancelAsked map[string]bool
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[string]domain.PipelineRun), cancelAsked: make(map[string]bool)}
}

func (f *fakeRunRepo) CreateRun(_ context.Context, run domain.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunRepo) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) ListRuns(context.Context, repo.RunFilter) ([]domain.PipelineRun, error) {
	return nil, nil
}

func (f *fakeRunRepo) UpdateRunStatus(_ context.Context, id string, from, to domain.RunStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != from {
		return fmt.Errorf("run %s is %s, expected %s: %w", id, run.Status, from, repo.ErrConflict)
	}
	if !domain.CanTransitionRunStatus(from, to) {
		return fmt.Errorf("run transition %s -> %s is not allowed", from, to)
	}
	run.Status = to
	f.runs[id] = run
	return nil
}

func (f *fakeRunRepo) ClaimQueuedRun(context.Context, time.Time) (domain.PipelineRun, error) {
	return domain.PipelineRun{}, repo.ErrNotFound
}

func (f *fakeRunRepo) RequestCancel(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAsked[id] = true
	return nil
}

func (f *fakeRunRepo) CancelRequested(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAsked[id], nil
}

func (f *fakeRunRepo) DeleteRun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runs, id)
	return nil
}

func (f *fakeRunRepo) ListRunEvents(context.Context, string, int64, int) ([]runevent.Row, error) {
	return nil, nil
}

type binding struct {
	name       string
	artifactID string
}

type fakeStepRepo struct {
	mu       sync.Mutex
	steps    map[string]domain.StepRun
	inputs   map[string][]binding
	outputs  map[string][]binding
	byRun    map[string][]string
	artifact *fakeArtifactRepo
}

func newFakeStepRepo(artifacts *fakeArtifactRepo) *fakeStepRepo {
	return &fakeStepRepo{
		steps:    make(map[string]domain.StepRun),
		inputs:   make(map[string][]binding),
		outputs:  make(map[string][]binding),
		byRun:    make(map[string][]string),
		artifact: artifacts,
	}
}

func (f *fakeStepRepo) CreateStepRun(_ context.Context, stepRun domain.StepRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.steps[stepRun.ID]; exists {
		return repo.ErrConflict
	}
	f.steps[stepRun.ID] = stepRun
	f.byRun[stepRun.RunID] = append(f.byRun[stepRun.RunID], stepRun.ID)
	return nil
}

func (f *fakeStepRepo) GetStepRun(_ context.Context, id string) (domain.StepRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sr, ok := f.steps[id]
	if !ok {
		return domain.StepRun{}, repo.ErrNotFound
	}
	return sr, nil
}

func (f *fakeStepRepo) ListStepRuns(_ context.Context, filter repo.StepRunFilter) ([]domain.StepRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.StepRun
	for _, id := range f.byRun[filter.RunID] {
		sr := f.steps[id]
		if filter.Status != "" && sr.Status != filter.Status {
			continue
		}
		out = append(out, sr)
	}
	return out, nil
}

func (f *fakeStepRepo) UpdateStepRunStatus(_ context.Context, id string, from, to domain.StepStatus, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sr, ok := f.steps[id]
	if !ok {
		return repo.ErrNotFound
	}
	if sr.Status != from {
		return fmt.Errorf("step run %s is %s, expected %s: %w", id, sr.Status, from, repo.ErrConflict)
	}
	if !domain.CanTransitionStepStatus(from, to) {
		return fmt.Errorf("step transition %s -> %s is not allowed", from, to)
	}
	sr.Status = to
	sr.Reason = reason
	if to == domain.StepStatusRunning {
		sr.StartedAt = &at
	}
	if to.Terminal() {
		sr.EndedAt = &at
	}
	f.steps[id] = sr
	return nil
}

func (f *fakeStepRepo) GetStepRunByCacheKey(_ context.Context, _ string, cacheKey string) (domain.StepRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sr := range f.steps {
		if sr.CacheKey == cacheKey && sr.Status == domain.StepStatusCompleted {
			return sr, nil
		}
	}
	return domain.StepRun{}, repo.ErrNotFound
}

func (f *fakeStepRepo) BindArtifact(_ context.Context, stepRunID, name, artifactID, direction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := binding{name: name, artifactID: artifactID}
	if direction == domain.ArtifactDirectionInput {
		f.inputs[stepRunID] = append(f.inputs[stepRunID], b)
	} else {
		f.outputs[stepRunID] = append(f.outputs[stepRunID], b)
	}
	return nil
}

func (f *fakeStepRepo) ListBoundArtifacts(_ context.Context, stepRunID, direction string) (map[string]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source := f.outputs[stepRunID]
	if direction == domain.ArtifactDirectionInput {
		source = f.inputs[stepRunID]
	}
	out := make(map[string]domain.Artifact, len(source))
	for _, b := range source {
		art := f.artifact.artifacts[b.artifactID]
		if art.ID == "" {
			art = domain.Artifact{ID: b.artifactID}
		}
		out[b.name] = art
	}
	return out, nil
}

// byStepName returns the single step run for a step within a run.
func (f *fakeStepRepo) byStepName(t *testing.T, runID, stepName string) domain.StepRun {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []domain.StepRun
	for _, id := range f.byRun[runID] {
		if f.steps[id].StepName == stepName {
			found = append(found, f.steps[id])
		}
	}
	if len(found) != 1 {
		t.Fatalf("step %q has %d step runs, want 1", stepName, len(found))
	}
	return found[0]
}

type fakeArtifactRepo struct {
	mu        sync.Mutex
	artifacts map[string]domain.Artifact
	created   int
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{artifacts: make(map[string]domain.Artifact)}
}

func (f *fakeArtifactRepo) CreateArtifact(_ context.Context, art domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[art.ID] = art
	f.created++
	return nil
}

func (f *fakeArtifactRepo) GetArtifact(_ context.Context, id string) (domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	art, ok := f.artifacts[id]
	if !ok {
		return domain.Artifact{}, repo.ErrNotFound
	}
	return art, nil
}

func (f *fakeArtifactRepo) ListArtifacts(context.Context, repo.ArtifactFilter) ([]domain.Artifact, error) {
	return nil, nil
}

// fakeResolver serves outputs from a map keyed step/output; absent entries
// report the missing-object sentinel.
type fakeResolver struct {
	mu      sync.Mutex
	objects map[string]domain.Artifact
	seq     int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{objects: make(map[string]domain.Artifact)}
}

func (f *fakeResolver) allow(stepName, outputName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := stepName + "/" + outputName
	f.objects[key] = domain.Artifact{
		ID:        fmt.Sprintf("art-%d", f.seq),
		Type:      "bytes",
		ObjectKey: key,
		SHA256:    fmt.Sprintf("hash-%d", f.seq),
		SizeBytes: 1,
	}
}

func (f *fakeResolver) ResolveOutput(_ context.Context, _, stepName, producerStepRunID string, out domain.OutputSpec) (domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	art, ok := f.objects[stepName+"/"+out.Name]
	if !ok {
		return domain.Artifact{}, artifact.ErrObjectMissing
	}
	art.ProducerStepRunID = producerStepRunID
	return art, nil
}

// fakeBackend scripts the terminal outcome per step name and records every
// dispatched step.
type fakeBackend struct {
	mu         sync.Mutex
	fail       map[string]bool
	dispatchEr map[string]error
	dispatched []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[string]bool), dispatchEr: make(map[string]error)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Dispatch(_ context.Context, exec backend.StepExecution) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dispatchEr[exec.StepName]; err != nil {
		return backend.Handle{}, err
	}
	f.dispatched = append(f.dispatched, exec.StepName)
	return backend.Handle{Backend: "fake", ID: exec.StepName}, nil
}

func (f *fakeBackend) Await(_ context.Context, handle backend.Handle) (backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[handle.ID] {
		return backend.Result{Success: false, Message: "exited nonzero"}, nil
	}
	return backend.Result{Success: true}, nil
}

func (f *fakeBackend) Cleanup(context.Context, backend.Handle) error { return nil }

func (f *fakeBackend) dispatchedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.dispatched...)
	sort.Strings(out)
	return out
}

type fixture struct {
	runs      *fakeRunRepo
	steps     *fakeStepRepo
	artifacts *fakeArtifactRepo
	resolver  *fakeResolver
	backend   *fakeBackend
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	artifacts := newFakeArtifactRepo()
	f := &fixture{
		runs:      newFakeRunRepo(),
		steps:     newFakeStepRepo(artifacts),
		artifacts: artifacts,
		resolver:  newFakeResolver(),
		backend:   newFakeBackend(),
	}
	sched, err := New(Config{
		Runs:               f.runs,
		StepRuns:           f.steps,
		Artifacts:          artifacts,
		Outputs:            f.resolver,
		Backend:            f.backend,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		CancelPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	f.scheduler = sched
	return f
}

func (f *fixture) startRun(t *testing.T, id string, spec domain.PipelineSpec, external map[string]string) domain.PipelineRun {
	t.Helper()
	run := domain.PipelineRun{
		ID:         id,
		PipelineID: "pipe-1",
		Status:     domain.RunStatusRunning,
		Config:     domain.RunConfig{Spec: spec, ExternalInputs: external},
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.runs.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func diamondSpec() domain.PipelineSpec {
	return domain.PipelineSpec{
		Name: "diamond",
		Steps: []domain.StepSpec{
			{
				Name: "a", Image: "img", SourceHash: "ha",
				Outputs: []domain.OutputSpec{{Name: "out", Type: "bytes"}},
			},
			{
				Name: "b", Image: "img", SourceHash: "hb",
				Inputs:  []domain.InputBinding{{Name: "in", FromStep: "a", Output: "out"}},
				Outputs: []domain.OutputSpec{{Name: "out", Type: "bytes"}},
			},
			{
				Name: "c", Image: "img", SourceHash: "hc",
				Inputs:  []domain.InputBinding{{Name: "in", FromStep: "a", Output: "out"}},
				Outputs: []domain.OutputSpec{{Name: "out", Type: "bytes"}},
			},
			{
				Name: "d", Image: "img", SourceHash: "hd",
				Inputs: []domain.InputBinding{
					{Name: "left", FromStep: "b", Output: "out"},
					{Name: "right", FromStep: "c", Output: "out"},
				},
			},
		},
	}
}

func TestDiamondUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.allow("a", "out")
	f.resolver.allow("c", "out")
	f.backend.fail["b"] = true

	run := f.startRun(t, "run-1", diamondSpec(), nil)
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := f.steps.byStepName(t, run.ID, "a").Status; got != domain.StepStatusCompleted {
		t.Fatalf("step a = %s, want completed", got)
	}
	b := f.steps.byStepName(t, run.ID, "b")
	if b.Status != domain.StepStatusFailed {
		t.Fatalf("step b = %s, want failed", b.Status)
	}
	if got := f.steps.byStepName(t, run.ID, "c").Status; got != domain.StepStatusCompleted {
		t.Fatalf("step c = %s, want completed", got)
	}
	d := f.steps.byStepName(t, run.ID, "d")
	if d.Status != domain.StepStatusFailed {
		t.Fatalf("step d = %s, want failed", d.Status)
	}
	if d.Reason != domain.ReasonUpstreamFailure {
		t.Fatalf("step d reason = %q, want %q", d.Reason, domain.ReasonUpstreamFailure)
	}

	dispatched := f.backend.dispatchedSteps()
	for _, name := range dispatched {
		if name == "d" {
			t.Fatalf("step d was dispatched despite a failed parent")
		}
	}
	if len(dispatched) != 3 {
		t.Fatalf("dispatched %v, want a, b and c exactly once each", dispatched)
	}

	got, err := f.runs.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

func TestCacheHitSkipsDispatch(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "single",
		Steps: []domain.StepSpec{{
			Name: "train", Image: "img", SourceHash: "hs",
			Parameters:   domain.Params{"epochs": "3"},
			CacheEnabled: true,
			Outputs:      []domain.OutputSpec{{Name: "model", Type: "bytes"}},
		}},
	}
	key := cachekey.Compute(cachekey.Input{
		SourceHash: "hs",
		Parameters: domain.Params{"epochs": "3"},
	})

	prior := domain.StepRun{
		ID: "sr-prior", RunID: "run-old", StepName: "train",
		Status: domain.StepStatusCompleted, CacheKey: key, SourceHash: "hs",
	}
	if err := f.steps.CreateStepRun(context.Background(), prior); err != nil {
		t.Fatalf("seed prior step run: %v", err)
	}
	priorArt := domain.Artifact{ID: "art-prior", Type: "bytes", ObjectKey: "k", SHA256: "h", SizeBytes: 1}
	if err := f.artifacts.CreateArtifact(context.Background(), priorArt); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	if err := f.steps.BindArtifact(context.Background(), prior.ID, "model", priorArt.ID, domain.ArtifactDirectionOutput); err != nil {
		t.Fatalf("seed binding: %v", err)
	}
	createdBefore := f.artifacts.created

	run := f.startRun(t, "run-2", spec, nil)
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := f.steps.byStepName(t, run.ID, "train")
	if sr.Status != domain.StepStatusCached {
		t.Fatalf("step status = %s, want cached", sr.Status)
	}
	if len(f.backend.dispatchedSteps()) != 0 {
		t.Fatalf("cache hit dispatched %v", f.backend.dispatchedSteps())
	}
	if f.artifacts.created != createdBefore {
		t.Fatalf("cache hit created %d new artifacts", f.artifacts.created-createdBefore)
	}
	outputs, err := f.steps.ListBoundArtifacts(context.Background(), sr.ID, domain.ArtifactDirectionOutput)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if outputs["model"].ID != priorArt.ID {
		t.Fatalf("cached step bound %q, want prior artifact %q", outputs["model"].ID, priorArt.ID)
	}
	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
}

func TestCacheDisabledAlwaysDispatches(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "single",
		Steps: []domain.StepSpec{{
			Name: "train", Image: "img", SourceHash: "hs",
			Outputs: []domain.OutputSpec{{Name: "model", Type: "bytes"}},
		}},
	}
	key := cachekey.Compute(cachekey.Input{SourceHash: "hs", Parameters: domain.Params{}})
	prior := domain.StepRun{
		ID: "sr-prior", RunID: "run-old", StepName: "train",
		Status: domain.StepStatusCompleted, CacheKey: key, SourceHash: "hs",
	}
	if err := f.steps.CreateStepRun(context.Background(), prior); err != nil {
		t.Fatalf("seed prior step run: %v", err)
	}
	f.resolver.allow("train", "model")

	run := f.startRun(t, "run-3", spec, nil)
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := f.steps.byStepName(t, run.ID, "train")
	if sr.Status != domain.StepStatusCompleted {
		t.Fatalf("step status = %s, want completed", sr.Status)
	}
	if got := f.backend.dispatchedSteps(); len(got) != 1 || got[0] != "train" {
		t.Fatalf("dispatched = %v, want [train]", got)
	}
}

func TestSuccessWithMissingOutputFails(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "single",
		Steps: []domain.StepSpec{{
			Name: "export", Image: "img", SourceHash: "he",
			Outputs: []domain.OutputSpec{
				{Name: "model", Type: "bytes"},
				{Name: "report", Type: "json"},
			},
		}},
	}
	// Only one of the two declared outputs is present in the store.
	f.resolver.allow("export", "model")

	run := f.startRun(t, "run-4", spec, nil)
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := f.steps.byStepName(t, run.ID, "export")
	if sr.Status != domain.StepStatusFailed {
		t.Fatalf("step status = %s, want failed", sr.Status)
	}
	if sr.Reason != domain.ReasonIncompleteOutputs {
		t.Fatalf("reason = %q, want %q", sr.Reason, domain.ReasonIncompleteOutputs)
	}
	if f.artifacts.created != 0 {
		t.Fatalf("incomplete step persisted %d artifacts", f.artifacts.created)
	}
	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

func TestDispatchErrorFailsStep(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name:  "single",
		Steps: []domain.StepSpec{{Name: "train", Image: "img", SourceHash: "hs"}},
	}
	f.backend.dispatchEr["train"] = errors.New("no capacity")

	run := f.startRun(t, "run-5", spec, nil)
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := f.steps.byStepName(t, run.ID, "train")
	if sr.Status != domain.StepStatusFailed {
		t.Fatalf("step status = %s, want failed", sr.Status)
	}
	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

func TestExternalInputBinding(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "single",
		Steps: []domain.StepSpec{{
			Name: "clean", Image: "img", SourceHash: "hc",
			Inputs:  []domain.InputBinding{{Name: "raw", External: "dataset"}},
			Outputs: []domain.OutputSpec{{Name: "out", Type: "bytes"}},
		}},
	}
	f.resolver.allow("clean", "out")

	run := f.startRun(t, "run-6", spec, map[string]string{"dataset": "art-ext"})
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := f.steps.byStepName(t, run.ID, "clean")
	if sr.Status != domain.StepStatusCompleted {
		t.Fatalf("step status = %s, want completed", sr.Status)
	}
	inputs, err := f.steps.ListBoundArtifacts(context.Background(), sr.ID, domain.ArtifactDirectionInput)
	if err != nil {
		t.Fatalf("list inputs: %v", err)
	}
	if inputs["raw"].ID != "art-ext" {
		t.Fatalf("input raw bound to %q, want art-ext", inputs["raw"].ID)
	}
}

func TestUnboundExternalInputFailsWithoutDispatch(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "single",
		Steps: []domain.StepSpec{{
			Name: "clean", Image: "img", SourceHash: "hc",
			Inputs: []domain.InputBinding{{Name: "raw", External: "dataset"}},
		}},
	}

	run := f.startRun(t, "run-7", spec, nil)
	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := f.steps.byStepName(t, run.ID, "clean")
	if sr.Status != domain.StepStatusFailed {
		t.Fatalf("step status = %s, want failed", sr.Status)
	}
	if len(f.backend.dispatchedSteps()) != 0 {
		t.Fatalf("unbound input dispatched %v", f.backend.dispatchedSteps())
	}
}

func TestResolutionErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "broken",
		Steps: []domain.StepSpec{{
			Name: "a", Image: "img", SourceHash: "ha",
			Inputs: []domain.InputBinding{{Name: "in", FromStep: "ghost", Output: "out"}},
		}},
	}

	run := f.startRun(t, "run-8", spec, nil)
	err := f.scheduler.Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected resolution error")
	}
	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t, "run-9", diamondSpec(), nil)
	if err := f.runs.RequestCancel(context.Background(), run.ID, time.Now()); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(f.backend.dispatchedSteps()) != 0 {
		t.Fatalf("canceled run dispatched %v", f.backend.dispatchedSteps())
	}
	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusCanceled {
		t.Fatalf("run status = %s, want canceled", got.Status)
	}
}

// cancelRacingBackend requests cancellation of its run the moment a step is
// dispatched, then fails the await with an infrastructure error once the
// dispatch context is torn down.
type cancelRacingBackend struct {
	runs  *fakeRunRepo
	runID string
}

func (b *cancelRacingBackend) Name() string { return "fake" }

func (b *cancelRacingBackend) Dispatch(_ context.Context, exec backend.StepExecution) (backend.Handle, error) {
	if err := b.runs.RequestCancel(context.Background(), b.runID, time.Now()); err != nil {
		return backend.Handle{}, err
	}
	return backend.Handle{Backend: "fake", ID: exec.StepName}, nil
}

func (b *cancelRacingBackend) Await(ctx context.Context, _ backend.Handle) (backend.Result, error) {
	<-ctx.Done()
	return backend.Result{}, errors.New("worker heartbeat lost")
}

func (b *cancelRacingBackend) Cleanup(context.Context, backend.Handle) error { return nil }

func TestCancelDuringAwaitKeepsFailureReason(t *testing.T) {
	artifacts := newFakeArtifactRepo()
	runs := newFakeRunRepo()
	steps := newFakeStepRepo(artifacts)
	racing := &cancelRacingBackend{runs: runs, runID: "run-11"}
	sched, err := New(Config{
		Runs:               runs,
		StepRuns:           steps,
		Artifacts:          artifacts,
		Outputs:            newFakeResolver(),
		Backend:            racing,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		CancelPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	spec := domain.PipelineSpec{
		Name:  "single",
		Steps: []domain.StepSpec{{Name: "train", Image: "img", SourceHash: "hs"}},
	}
	run := domain.PipelineRun{
		ID:         "run-11",
		PipelineID: "pipe-1",
		Status:     domain.RunStatusRunning,
		Config:     domain.RunConfig{Spec: spec},
		CreatedAt:  time.Now().UTC(),
	}
	if err := runs.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := sched.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sr := steps.byStepName(t, run.ID, "train")
	if sr.Status != domain.StepStatusFailed {
		t.Fatalf("step status = %s, want failed", sr.Status)
	}
	want := domain.ReasonCanceled + ": worker heartbeat lost"
	if sr.Reason != want {
		t.Fatalf("reason = %q, want %q", sr.Reason, want)
	}
	got, _ := runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusCanceled {
		t.Fatalf("run status = %s, want canceled", got.Status)
	}
}

func TestResumeFailsLostStepRunAndKeepsTerminal(t *testing.T) {
	f := newFixture(t)
	spec := domain.PipelineSpec{
		Name: "chain",
		Steps: []domain.StepSpec{
			{
				Name: "a", Image: "img", SourceHash: "ha",
				Outputs: []domain.OutputSpec{{Name: "out", Type: "bytes"}},
			},
			{
				Name: "b", Image: "img", SourceHash: "hb",
				Inputs: []domain.InputBinding{{Name: "in", FromStep: "a", Output: "out"}},
			},
		},
	}
	run := f.startRun(t, "run-10", spec, nil)

	// A previous process completed a and was driving b when it died.
	aRec := domain.StepRun{
		ID: "sr-a", RunID: run.ID, StepName: "a",
		Status: domain.StepStatusCompleted, SourceHash: "ha", CacheKey: "key-a",
	}
	if err := f.steps.CreateStepRun(context.Background(), aRec); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	aOut := domain.Artifact{ID: "art-a", Type: "bytes", ObjectKey: "k", SHA256: "h", SizeBytes: 1, ProducerStepRunID: "sr-a"}
	if err := f.artifacts.CreateArtifact(context.Background(), aOut); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	if err := f.steps.BindArtifact(context.Background(), "sr-a", "out", "art-a", domain.ArtifactDirectionOutput); err != nil {
		t.Fatalf("seed binding: %v", err)
	}
	bRec := domain.StepRun{
		ID: "sr-b", RunID: run.ID, StepName: "b",
		Status: domain.StepStatusRunning, SourceHash: "hb", CacheKey: "key-b", ParentIDs: []string{"sr-a"},
	}
	if err := f.steps.CreateStepRun(context.Background(), bRec); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	if err := f.scheduler.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	a := f.steps.byStepName(t, run.ID, "a")
	if a.Status != domain.StepStatusCompleted {
		t.Fatalf("resume changed step a to %s", a.Status)
	}
	b := f.steps.byStepName(t, run.ID, "b")
	if b.Status != domain.StepStatusFailed {
		t.Fatalf("step b = %s, want failed", b.Status)
	}
	if b.Reason != domain.ReasonDispatchLost {
		t.Fatalf("step b reason = %q, want %q", b.Reason, domain.ReasonDispatchLost)
	}
	if len(f.backend.dispatchedSteps()) != 0 {
		t.Fatalf("resume dispatched %v", f.backend.dispatchedSteps())
	}
	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
}
