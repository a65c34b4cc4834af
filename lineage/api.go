package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

const (
	defaultDepth    = 3
	maxDepth        = 10
	defaultMaxEdges = 500
	maxMaxEdges     = 5000
)

type lineageAPI struct {
	logger    *slog.Logger
	stepRuns  repo.StepRunRepository
	artifacts repo.ArtifactRepository
}

func newLineageAPI(logger *slog.Logger, stepRuns repo.StepRunRepository, artifacts repo.ArtifactRepository) *lineageAPI {
	return &lineageAPI{
		logger:    logger,
		stepRuns:  stepRuns,
		artifacts: artifacts,
	}
}

func (api *lineageAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /subgraphs/step-runs/{step_run_id}", api.handleStepRunSubgraph)
}

type nodeView struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	StepName string `json:"step_name,omitempty"`
	Status   string `json:"status,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Type     string `json:"type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

type lineageEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

type subgraphView struct {
	Root      string        `json:"root"`
	Depth     int           `json:"depth"`
	Nodes     []nodeView    `json:"nodes"`
	Edges     []lineageEdge `json:"edges"`
	Truncated bool          `json:"truncated"`
}

func (api *lineageAPI) handleStepRunSubgraph(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("step_run_id"))
	if id == "" {
		api.writeError(w, r, http.StatusBadRequest, "step_run_id_required")
		return
	}
	depth := clampInt(parseIntQuery(r, "depth", defaultDepth), 1, maxDepth)
	maxEdges := clampInt(parseIntQuery(r, "max_edges", defaultMaxEdges), 1, maxMaxEdges)

	view, err := api.buildSubgraph(r.Context(), id, depth, maxEdges)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("subgraph query failed", "step_run_id", id, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, view)
}

// walker accumulates the subgraph during the breadth-first expansion. Node
// ids are distinct across kinds: step run ids and artifact ids never collide
// because both are uuids issued by separate creators.
type walker struct {
	api      *lineageAPI
	maxEdges int

	stepNodes     map[string]domain.StepRun
	artifactNodes map[string]domain.Artifact
	edges         map[lineageEdge]struct{}
	truncated     bool

	// run siblings are fetched once per run and reused for child lookups.
	runSteps map[string][]domain.StepRun
}

func (api *lineageAPI) buildSubgraph(ctx context.Context, rootID string, depth, maxEdges int) (subgraphView, error) {
	root, err := api.stepRuns.GetStepRun(ctx, rootID)
	if err != nil {
		return subgraphView{}, err
	}

	wk := &walker{
		api:           api,
		maxEdges:      maxEdges,
		stepNodes:     map[string]domain.StepRun{root.ID: root},
		artifactNodes: make(map[string]domain.Artifact),
		edges:         make(map[lineageEdge]struct{}),
		runSteps:      make(map[string][]domain.StepRun),
	}

	frontier := []string{root.ID}
	for level := 0; level < depth && len(frontier) > 0 && !wk.truncated; level++ {
		var next []string
		for _, id := range frontier {
			discovered, err := wk.expandStepRun(ctx, id)
			if err != nil {
				return subgraphView{}, err
			}
			next = append(next, discovered...)
			if wk.truncated {
				break
			}
		}
		frontier = next
	}

	return wk.view(root.ID, depth), nil
}

// expandStepRun adds the step run's parents, children, and artifact bindings
// to the graph and returns the step run ids discovered for the next level.
func (wk *walker) expandStepRun(ctx context.Context, id string) ([]string, error) {
	sr, ok := wk.stepNodes[id]
	if !ok {
		return nil, nil
	}
	var next []string

	for _, parentID := range sr.ParentIDs {
		added, fresh, err := wk.addStepRun(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !added {
			continue
		}
		if fresh {
			next = append(next, parentID)
		}
		if !wk.addEdge(lineageEdge{From: parentID, To: sr.ID, Type: "parent"}) {
			return next, nil
		}
	}

	siblings, err := wk.stepsOfRun(ctx, sr.RunID)
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if !hasParent(sibling, sr.ID) {
			continue
		}
		if _, seen := wk.stepNodes[sibling.ID]; !seen {
			wk.stepNodes[sibling.ID] = sibling
			next = append(next, sibling.ID)
		}
		if !wk.addEdge(lineageEdge{From: sr.ID, To: sibling.ID, Type: "parent"}) {
			return next, nil
		}
	}

	inputs, err := wk.api.stepRuns.ListBoundArtifacts(ctx, sr.ID, domain.ArtifactDirectionInput)
	if err != nil {
		return nil, err
	}
	for _, art := range sortedArtifacts(inputs) {
		discovered, err := wk.addArtifact(ctx, art, lineageEdge{From: art.ID, To: sr.ID, Type: "consumes"})
		if err != nil {
			return nil, err
		}
		next = append(next, discovered...)
		if wk.truncated {
			return next, nil
		}
	}

	outputs, err := wk.api.stepRuns.ListBoundArtifacts(ctx, sr.ID, domain.ArtifactDirectionOutput)
	if err != nil {
		return nil, err
	}
	for _, art := range sortedArtifacts(outputs) {
		discovered, err := wk.addArtifact(ctx, art, lineageEdge{From: sr.ID, To: art.ID, Type: "produces"})
		if err != nil {
			return nil, err
		}
		next = append(next, discovered...)
		if wk.truncated {
			return next, nil
		}
	}

	return next, nil
}

// addArtifact records the artifact and its binding edge, and walks to the
// producing step run. Cache reuse makes the producer cross run boundaries.
func (wk *walker) addArtifact(ctx context.Context, art domain.Artifact, edge lineageEdge) ([]string, error) {
	if _, seen := wk.artifactNodes[art.ID]; !seen {
		full, err := wk.api.artifacts.GetArtifact(ctx, art.ID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
			full = art
		}
		wk.artifactNodes[art.ID] = full
	}
	if !wk.addEdge(edge) {
		return nil, nil
	}

	var next []string
	producer := wk.artifactNodes[art.ID].ProducerStepRunID
	if producer != "" {
		added, fresh, err := wk.addStepRun(ctx, producer)
		if err != nil {
			return nil, err
		}
		if added {
			if fresh {
				next = append(next, producer)
			}
			wk.addEdge(lineageEdge{From: producer, To: art.ID, Type: "produces"})
		}
	}
	return next, nil
}

// addStepRun fetches the step run if unseen. added reports whether the node
// is part of the graph; fresh whether this call discovered it.
func (wk *walker) addStepRun(ctx context.Context, id string) (added, fresh bool, err error) {
	if _, seen := wk.stepNodes[id]; seen {
		return true, false, nil
	}
	sr, err := wk.api.stepRuns.GetStepRun(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	wk.stepNodes[id] = sr
	return true, true, nil
}

func (wk *walker) addEdge(edge lineageEdge) bool {
	if wk.truncated {
		return false
	}
	if _, dup := wk.edges[edge]; dup {
		return true
	}
	if len(wk.edges) >= wk.maxEdges {
		wk.truncated = true
		return false
	}
	wk.edges[edge] = struct{}{}
	return true
}

func (wk *walker) stepsOfRun(ctx context.Context, runID string) ([]domain.StepRun, error) {
	if steps, ok := wk.runSteps[runID]; ok {
		return steps, nil
	}
	steps, err := wk.api.stepRuns.ListStepRuns(ctx, repo.StepRunFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	wk.runSteps[runID] = steps
	return steps, nil
}

func (wk *walker) view(rootID string, depth int) subgraphView {
	nodes := make([]nodeView, 0, len(wk.stepNodes)+len(wk.artifactNodes))
	for _, sr := range wk.stepNodes {
		nodes = append(nodes, nodeView{
			ID:       sr.ID,
			Kind:     "step_run",
			StepName: sr.StepName,
			Status:   string(sr.Status),
			RunID:    sr.RunID,
		})
	}
	for _, art := range wk.artifactNodes {
		nodes = append(nodes, nodeView{
			ID:     art.ID,
			Kind:   "artifact",
			Type:   art.Type,
			SHA256: art.SHA256,
		})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return nodes[i].Kind < nodes[j].Kind
		}
		return nodes[i].ID < nodes[j].ID
	})

	edges := make([]lineageEdge, 0, len(wk.edges))
	for edge := range wk.edges {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Type < edges[j].Type
	})

	return subgraphView{
		Root:      rootID,
		Depth:     depth,
		Nodes:     nodes,
		Edges:     edges,
		Truncated: wk.truncated,
	}
}

func hasParent(sr domain.StepRun, parentID string) bool {
	for _, id := range sr.ParentIDs {
		if id == parentID {
			return true
		}
	}
	return false
}

func sortedArtifacts(bindings map[string]domain.Artifact) []domain.Artifact {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.Artifact, 0, len(names))
	for _, name := range names {
		out = append(out, bindings[name])
	}
	return out
}

func (api *lineageAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *lineageAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
