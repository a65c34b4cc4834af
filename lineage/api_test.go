package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type fakeStepRepo struct {
	steps    map[string]domain.StepRun
	bindings map[string]map[string]map[string]domain.Artifact // stepRunID -> direction -> name
}

func newFakeStepRepo() *fakeStepRepo {
	return &fakeStepRepo{
		steps:    make(map[string]domain.StepRun),
		bindings: make(map[string]map[string]map[string]domain.Artifact),
	}
}

func (r *fakeStepRepo) add(sr domain.StepRun) {
	r.steps[sr.ID] = sr
}

func (r *fakeStepRepo) bind(stepRunID, name string, art domain.Artifact, direction string) {
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
	byName[name] = art
}

func (r *fakeStepRepo) CreateStepRun(_ context.Context, sr domain.StepRun) error {
	r.add(sr)
	return nil
}

func (r *fakeStepRepo) GetStepRun(_ context.Context, id string) (domain.StepRun, error) {
	sr, ok := r.steps[id]
	if !ok {
		return domain.StepRun{}, repo.ErrNotFound
	}
	return sr, nil
}

func (r *fakeStepRepo) ListStepRuns(_ context.Context, filter repo.StepRunFilter) ([]domain.StepRun, error) {
	var out []domain.StepRun
	for _, sr := range r.steps {
		if filter.RunID != "" && sr.RunID != filter.RunID {
			continue
		}
		out = append(out, sr)
	}
	return out, nil
}

func (r *fakeStepRepo) UpdateStepRunStatus(_ context.Context, _ string, _, _ domain.StepStatus, _ string, _ time.Time) error {
	return nil
}

func (r *fakeStepRepo) GetStepRunByCacheKey(_ context.Context, _, _ string) (domain.StepRun, error) {
	return domain.StepRun{}, repo.ErrNotFound
}

func (r *fakeStepRepo) BindArtifact(_ context.Context, stepRunID, name, artifactID, direction string) error {
	r.bind(stepRunID, name, domain.Artifact{ID: artifactID}, direction)
	return nil
}

func (r *fakeStepRepo) ListBoundArtifacts(_ context.Context, stepRunID, direction string) (map[string]domain.Artifact, error) {
	out := make(map[string]domain.Artifact)
	for name, art := range r.bindings[stepRunID][direction] {
		out[name] = art
	}
	return out, nil
}

type fakeArtifactRepo struct {
	artifacts map[string]domain.Artifact
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{artifacts: make(map[string]domain.Artifact)}
}

func (r *fakeArtifactRepo) CreateArtifact(_ context.Context, art domain.Artifact) error {
	r.artifacts[art.ID] = art
	return nil
}

func (r *fakeArtifactRepo) GetArtifact(_ context.Context, id string) (domain.Artifact, error) {
	art, ok := r.artifacts[id]
	if !ok {
		return domain.Artifact{}, repo.ErrNotFound
	}
	return art, nil
}

func (r *fakeArtifactRepo) ListArtifacts(_ context.Context, _ repo.ArtifactFilter) ([]domain.Artifact, error) {
	out := make([]domain.Artifact, 0, len(r.artifacts))
	for _, art := range r.artifacts {
		out = append(out, art)
	}
	return out, nil
}

type fixture struct {
	steps     *fakeStepRepo
	artifacts *fakeArtifactRepo
	mux       *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		steps:     newFakeStepRepo(),
		artifacts: newFakeArtifactRepo(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := newLineageAPI(logger, f.steps, f.artifacts)
	f.mux = http.NewServeMux()
	api.register(f.mux)
	return f
}

// diamond seeds a->b, a->c, {b,c}->d in run-1 with an artifact flowing
// from a into b.
func (f *fixture) diamond(t *testing.T) {
	t.Helper()
	f.steps.add(domain.StepRun{ID: "sr-a", RunID: "run-1", StepName: "a", Status: domain.StepStatusCompleted})
	f.steps.add(domain.StepRun{ID: "sr-b", RunID: "run-1", StepName: "b", Status: domain.StepStatusCompleted, ParentIDs: []string{"sr-a"}})
	f.steps.add(domain.StepRun{ID: "sr-c", RunID: "run-1", StepName: "c", Status: domain.StepStatusCompleted, ParentIDs: []string{"sr-a"}})
	f.steps.add(domain.StepRun{ID: "sr-d", RunID: "run-1", StepName: "d", Status: domain.StepStatusFailed, ParentIDs: []string{"sr-b", "sr-c"}})

	art := domain.Artifact{ID: "art-1", Type: "bytes", SHA256: "abc", ProducerStepRunID: "sr-a"}
	f.artifacts.artifacts[art.ID] = art
	f.steps.bind("sr-a", "out", art, domain.ArtifactDirectionOutput)
	f.steps.bind("sr-b", "in", art, domain.ArtifactDirectionInput)
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, subgraphView) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	var view subgraphView
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode subgraph: %v", err)
		}
	}
	return rec, view
}

func TestSubgraphWalksParentsChildrenAndArtifacts(t *testing.T) {
	f := newFixture(t)
	f.diamond(t)

	rec, view := f.get(t, "/subgraphs/step-runs/sr-b?depth=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if view.Root != "sr-b" {
		t.Fatalf("root = %s, want sr-b", view.Root)
	}

	kinds := make(map[string]string, len(view.Nodes))
	for _, node := range view.Nodes {
		kinds[node.ID] = node.Kind
	}
	for _, id := range []string{"sr-a", "sr-b", "sr-d"} {
		if kinds[id] != "step_run" {
			t.Fatalf("node %s missing or wrong kind: %v", id, kinds)
		}
	}
	if kinds["art-1"] != "artifact" {
		t.Fatalf("artifact node missing: %v", kinds)
	}

	edges := make(map[lineageEdge]struct{}, len(view.Edges))
	for _, e := range view.Edges {
		edges[e] = struct{}{}
	}
	want := []lineageEdge{
		{From: "sr-a", To: "sr-b", Type: "parent"},
		{From: "sr-b", To: "sr-d", Type: "parent"},
		{From: "art-1", To: "sr-b", Type: "consumes"},
		{From: "sr-a", To: "art-1", Type: "produces"},
	}
	for _, e := range want {
		if _, ok := edges[e]; !ok {
			t.Fatalf("edge %+v missing from %v", e, view.Edges)
		}
	}
}

func TestSubgraphDepthLimitsExpansion(t *testing.T) {
	f := newFixture(t)
	f.diamond(t)

	// From sr-d with depth 1 only the direct parents are reachable; sr-a is
	// two hops away.
	_, view := f.get(t, "/subgraphs/step-runs/sr-d?depth=1")
	seen := make(map[string]bool, len(view.Nodes))
	for _, node := range view.Nodes {
		seen[node.ID] = true
	}
	if !seen["sr-b"] || !seen["sr-c"] {
		t.Fatalf("direct parents missing: %v", view.Nodes)
	}
	if seen["sr-a"] {
		t.Fatalf("sr-a reachable at depth 1, want excluded")
	}
}

func TestSubgraphTruncatesAtMaxEdges(t *testing.T) {
	f := newFixture(t)
	f.diamond(t)

	_, view := f.get(t, "/subgraphs/step-runs/sr-a?depth=5&max_edges=1")
	if !view.Truncated {
		t.Fatalf("want truncated subgraph, got %d edges", len(view.Edges))
	}
	if len(view.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(view.Edges))
	}
}

func TestSubgraphUnknownStepRun(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.get(t, "/subgraphs/step-runs/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
