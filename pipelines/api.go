package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cascade-labs/cascade-go/api"
	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/execution/plan"
	"github.com/cascade-labs/cascade-go/internal/execution/specvalidator"
	"github.com/cascade-labs/cascade-go/internal/platform/auth"
	"github.com/cascade-labs/cascade-go/internal/platform/runevent"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

type pipelinesAPI struct {
	logger         *slog.Logger
	svc            *pipelineService
	runs           repo.RunRepository
	stepRuns       repo.StepRunRepository
	artifacts      repo.ArtifactRepository
	pipelines      repo.PipelineRepository
	uploadMaxBytes int64
	streamInterval time.Duration
}

func newPipelinesAPI(logger *slog.Logger, svc *pipelineService, pipelines repo.PipelineRepository, runs repo.RunRepository, stepRuns repo.StepRunRepository, artifacts repo.ArtifactRepository, uploadMaxBytes int64) *pipelinesAPI {
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = int64(256) << 20 // 256 MiB
	}
	return &pipelinesAPI{
		logger:         logger,
		svc:            svc,
		pipelines:      pipelines,
		runs:           runs,
		stepRuns:       stepRuns,
		artifacts:      artifacts,
		uploadMaxBytes: uploadMaxBytes,
		streamInterval: time.Second,
	}
}

func (a *pipelinesAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /pipelines", a.handleSubmitPipeline)
	mux.HandleFunc("GET /pipelines", a.handleListPipelines)
	mux.HandleFunc("GET /pipelines/{pipeline_id}", a.handleGetPipeline)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/plan", a.handlePlanPipeline)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/runs", a.handleTriggerRun)

	mux.HandleFunc("GET /runs", a.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", a.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", a.handleCancelRun)
	mux.HandleFunc("DELETE /runs/{run_id}", a.handleDeleteRun)
	mux.HandleFunc("GET /runs/{run_id}/steps/{step_name}", a.handleStepDetail)
	mux.HandleFunc("GET /runs/{run_id}/events", a.handleRunEvents)
	mux.HandleFunc("GET /runs/{run_id}/events/stream", a.handleRunEventStream)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", a.handleRunArtifacts)

	mux.HandleFunc("GET /artifacts/{artifact_id}", a.handleGetArtifact)
	mux.HandleFunc("POST /artifacts", a.handleUploadArtifact)

	mux.HandleFunc("GET /openapi.yaml", a.handleOpenAPI)
}

type pipelineView struct {
	PipelineID string    `json:"pipeline_id"`
	Name       string    `json:"name"`
	SpecHash   string    `json:"spec_hash"`
	Document   string    `json:"document,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type planView struct {
	Steps []string   `json:"steps"`
	Edges []edgeView `json:"edges"`
}

type edgeView struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type runView struct {
	RunID           string          `json:"run_id"`
	PipelineID      string          `json:"pipeline_id"`
	Status          string          `json:"status"`
	Backend         string          `json:"backend,omitempty"`
	Metadata        domain.Metadata `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	CanceledAt      *time.Time      `json:"canceled_at,omitempty"`
	IntegritySHA256 string          `json:"integrity_sha256"`
	Steps           []stepRunView   `json:"steps,omitempty"`
}

type stepRunView struct {
	StepRunID  string            `json:"step_run_id"`
	StepName   string            `json:"step_name"`
	Status     string            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	CacheKey   string            `json:"cache_key,omitempty"`
	SourceHash string            `json:"source_hash,omitempty"`
	Parameters domain.Params     `json:"parameters,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	ParentIDs  []string          `json:"parent_ids,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
}

type artifactView struct {
	ArtifactID        string    `json:"artifact_id"`
	Type              string    `json:"type"`
	ObjectKey         string    `json:"object_key"`
	SHA256            string    `json:"sha256"`
	SizeBytes         int64     `json:"size_bytes"`
	ProducerStepRunID string    `json:"producer_step_run_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type eventView struct {
	EventID         int64     `json:"event_id"`
	RunID           string    `json:"run_id"`
	StepRunID       string    `json:"step_run_id,omitempty"`
	FromStatus      string    `json:"from_status"`
	ToStatus        string    `json:"to_status"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	IntegritySHA256 string    `json:"integrity_sha256"`
}

type triggerRunRequest struct {
	ExternalInputs map[string]string        `json:"external_inputs,omitempty"`
	Parameters     map[string]domain.Params `json:"parameters,omitempty"`
	Backend        string                   `json:"backend,omitempty"`
	Metadata       domain.Metadata          `json:"metadata,omitempty"`
}

func (a *pipelinesAPI) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		a.writeError(w, r, http.StatusBadRequest, "document_required")
		return
	}

	pipeline, created, err := a.svc.SubmitPipeline(r.Context(), raw)
	if err != nil {
		a.writeSubmissionError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		w.Header().Set("Location", "/pipelines/"+pipeline.ID)
	}
	a.writeJSON(w, status, toPipelineView(pipeline, false))
}

func (a *pipelinesAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	items, err := a.pipelines.ListPipelines(r.Context(), repo.PipelineFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: limit,
	})
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]pipelineView, 0, len(items))
	for _, p := range items {
		views = append(views, toPipelineView(p, false))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"pipelines": views})
}

func (a *pipelinesAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("pipeline_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "pipeline_id_required")
		return
	}
	pipeline, err := a.pipelines.GetPipeline(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toPipelineView(pipeline, true))
}

func (a *pipelinesAPI) handlePlanPipeline(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("pipeline_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "pipeline_id_required")
		return
	}
	p, err := a.svc.PlanPipeline(r.Context(), id)
	if err != nil {
		var resErr *plan.ResolutionError
		if errors.As(err, &resErr) {
			a.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "resolution_failed", map[string]any{
				"issues": resErr.Issues,
				"cycle":  resErr.Cycle,
			})
			return
		}
		a.writeRepoError(w, r, err)
		return
	}
	edges := make([]edgeView, 0, len(p.Edges))
	for _, e := range p.Edges {
		edges = append(edges, edgeView{From: e.From, To: e.To})
	}
	a.writeJSON(w, http.StatusOK, planView{Steps: p.StepNames(), Edges: edges})
}

func (a *pipelinesAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("pipeline_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "pipeline_id_required")
		return
	}
	var req triggerRunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	run, err := a.svc.TriggerRun(r.Context(), id, req.ExternalInputs, req.Parameters, req.Backend, req.Metadata)
	if err != nil {
		var valErr *specvalidator.ValidationError
		var resErr *plan.ResolutionError
		switch {
		case errors.As(err, &valErr):
			a.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "invalid_trigger", map[string]any{"issues": valErr.Issues})
		case errors.As(err, &resErr):
			a.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "resolution_failed", map[string]any{
				"issues": resErr.Issues,
				"cycle":  resErr.Cycle,
			})
		default:
			a.writeRepoError(w, r, err)
		}
		return
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	a.writeJSON(w, http.StatusCreated, toRunView(run, nil))
}

func (a *pipelinesAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	filter := repo.RunFilter{
		PipelineID: strings.TrimSpace(r.URL.Query().Get("pipeline_id")),
		Limit:      limit,
	}
	if statusRaw := strings.TrimSpace(r.URL.Query().Get("status")); statusRaw != "" {
		status := domain.NormalizeRunStatus(statusRaw)
		if status == "" {
			a.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	runs, err := a.runs.ListRuns(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run, nil))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (a *pipelinesAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("run_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := a.runs.GetRun(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	stepRuns, err := a.stepRuns.ListStepRuns(r.Context(), repo.StepRunFilter{RunID: id})
	if err != nil {
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	a.writeJSON(w, http.StatusOK, toRunView(run, stepRuns))
}

func (a *pipelinesAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("run_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if err := a.runs.RequestCancel(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			a.writeError(w, r, http.StatusConflict, "run_terminal")
			return
		}
		a.writeRepoError(w, r, err)
		return
	}
	run, err := a.runs.GetRun(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, toRunView(run, nil))
}

func (a *pipelinesAPI) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("run_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if err := a.svc.DeleteRun(r.Context(), id); err != nil {
		if errors.Is(err, errRunNotTerminal) || errors.Is(err, repo.ErrConflict) {
			a.writeError(w, r, http.StatusConflict, "run_not_terminal")
			return
		}
		a.writeRepoError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *pipelinesAPI) handleStepDetail(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	stepName := strings.TrimSpace(r.PathValue("step_name"))
	if runID == "" || stepName == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_and_step_name_required")
		return
	}
	detail, err := a.svc.StepDetail(r.Context(), runID, stepName)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	view := toStepRunView(detail.StepRun)
	view.Inputs = bindingIDs(detail.Inputs)
	view.Outputs = bindingIDs(detail.Outputs)
	a.writeJSON(w, http.StatusOK, view)
}

func (a *pipelinesAPI) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	after := int64(parseIntQuery(r, "after_event_id", 0))
	limit := clampInt(parseIntQuery(r, "limit", 200), 1, 1000)

	rows, err := a.runs.ListRunEvents(r.Context(), runID, after, limit)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	views := make([]eventView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toEventView(row))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

// handleRunEventStream serves transition events as server-sent events. The
// feed is poll-backed and best-effort: it replays everything after the
// client's cursor and keeps polling until the run is terminal or the client
// goes away.
func (a *pipelinesAPI) handleRunEventStream(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	if _, err := a.runs.GetRun(r.Context(), runID); err != nil {
		a.writeRepoError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor := int64(parseIntQuery(r, "after_event_id", 0))
	ticker := time.NewTicker(a.streamInterval)
	defer ticker.Stop()

	for {
		rows, err := a.runs.ListRunEvents(r.Context(), runID, cursor, 500)
		if err != nil {
			return
		}
		for _, row := range rows {
			payload, err := json.Marshal(toEventView(row))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: transition\ndata: %s\n\n", row.EventID, payload)
			cursor = row.EventID
		}
		if len(rows) > 0 {
			flusher.Flush()
		}

		run, err := a.runs.GetRun(r.Context(), runID)
		if err != nil {
			return
		}
		if run.Status.Terminal() {
			fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", string(run.Status))
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *pipelinesAPI) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	items, err := a.svc.RunArtifacts(r.Context(), runID)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	views := make([]artifactView, 0, len(items))
	for _, art := range items {
		views = append(views, toArtifactView(art))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"artifacts": views})
}

func (a *pipelinesAPI) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("artifact_id"))
	if id == "" {
		a.writeError(w, r, http.StatusBadRequest, "artifact_id_required")
		return
	}
	art, err := a.artifacts.GetArtifact(r.Context(), id)
	if err != nil {
		a.writeRepoError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toArtifactView(art))
}

// handleUploadArtifact registers an externally supplied payload. Accepts a
// user token or a run token minted at dispatch; backend step processes use
// the latter to push data back in.
func (a *pipelinesAPI) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	typeTag := strings.TrimSpace(r.URL.Query().Get("type"))
	if typeTag == "" {
		typeTag = "bytes"
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, a.uploadMaxBytes+1))
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	if int64(len(payload)) > a.uploadMaxBytes {
		a.writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	art, err := a.svc.UploadExternalArtifact(r.Context(), typeTag, payload)
	if err != nil {
		if strings.Contains(err.Error(), "no materializer") {
			a.writeError(w, r, http.StatusBadRequest, "unknown_artifact_type")
			return
		}
		a.writeError(w, r, http.StatusBadGateway, "object_store_error")
		return
	}
	w.Header().Set("Location", "/artifacts/"+art.ID)
	a.writeJSON(w, http.StatusCreated, toArtifactView(art))
}

func (a *pipelinesAPI) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.Document)
}

func toPipelineView(p domain.Pipeline, includeDocument bool) pipelineView {
	view := pipelineView{
		PipelineID: p.ID,
		Name:       p.Name,
		SpecHash:   p.SpecHash,
		CreatedAt:  p.CreatedAt,
	}
	if includeDocument {
		view.Document = p.Document
	}
	return view
}

func toRunView(run domain.PipelineRun, stepRuns []domain.StepRun) runView {
	view := runView{
		RunID:           run.ID,
		PipelineID:      run.PipelineID,
		Status:          string(run.Status),
		Backend:         run.Config.Backend,
		Metadata:        run.Config.Metadata,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		EndedAt:         run.EndedAt,
		CanceledAt:      run.CanceledAt,
		IntegritySHA256: run.IntegritySHA256,
	}
	for _, sr := range stepRuns {
		view.Steps = append(view.Steps, toStepRunView(sr))
	}
	return view
}

func toStepRunView(sr domain.StepRun) stepRunView {
	return stepRunView{
		StepRunID:  sr.ID,
		StepName:   sr.StepName,
		Status:     string(sr.Status),
		Reason:     sr.Reason,
		CacheKey:   sr.CacheKey,
		SourceHash: sr.SourceHash,
		Parameters: sr.Parameters,
		StartedAt:  sr.StartedAt,
		EndedAt:    sr.EndedAt,
		ParentIDs:  sr.ParentIDs,
	}
}

func toArtifactView(art domain.Artifact) artifactView {
	return artifactView{
		ArtifactID:        art.ID,
		Type:              art.Type,
		ObjectKey:         art.ObjectKey,
		SHA256:            art.SHA256,
		SizeBytes:         art.SizeBytes,
		ProducerStepRunID: art.ProducerStepRunID,
		CreatedAt:         art.CreatedAt,
	}
}

func toEventView(row runevent.Row) eventView {
	return eventView{
		EventID:         row.EventID,
		RunID:           row.RunID,
		StepRunID:       row.StepRunID,
		FromStatus:      row.FromStatus,
		ToStatus:        row.ToStatus,
		Reason:          row.Reason,
		OccurredAt:      row.OccurredAt,
		IntegritySHA256: row.IntegritySHA256,
	}
}

func bindingIDs(bindings map[string]domain.Artifact) map[string]string {
	if len(bindings) == 0 {
		return nil
	}
	out := make(map[string]string, len(bindings))
	for name, art := range bindings {
		out[name] = art.ID
	}
	return out
}

func (a *pipelinesAPI) writeSubmissionError(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *specvalidator.ValidationError
	var resErr *plan.ResolutionError
	switch {
	case errors.As(err, &valErr):
		a.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "invalid_document", map[string]any{"issues": valErr.Issues})
	case errors.As(err, &resErr):
		a.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "resolution_failed", map[string]any{
			"issues": resErr.Issues,
			"cycle":  resErr.Cycle,
		})
	default:
		a.logger.Error("pipeline submission failed", "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (a *pipelinesAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrConflict):
		a.writeError(w, r, http.StatusConflict, "conflict")
	default:
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (a *pipelinesAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (a *pipelinesAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	a.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (a *pipelinesAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	a.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
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

// runTokenOrUser authenticates run tokens minted at dispatch before falling
// back to the configured user authenticator. Run-token identities carry no
// role and are authorized separately.
type runTokenOrUser struct {
	secret string
	users  auth.Authenticator
}

func (a runTokenOrUser) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token := strings.TrimSpace(header[len("bearer "):])
		if auth.IsRunToken(token) {
			claims, err := auth.VerifyRunToken(a.secret, token, time.Now())
			if err != nil {
				return auth.Identity{}, err
			}
			return auth.RunIdentity(claims.RunID), nil
		}
	}
	return a.users.Authenticate(ctx, r)
}

// runTokenAwareAuthorizer lets run-token identities upload artifacts and
// read artifact records, nothing else. Users go through the role ladder.
func runTokenAwareAuthorizer() auth.AuthorizeFunc {
	roleCheck := auth.MethodRoleAuthorizer()
	return func(r *http.Request, identity auth.Identity) error {
		if _, isRun := identity.RunID(); isRun {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/artifacts":
				return nil
			case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/artifacts/"):
				return nil
			default:
				return auth.ErrForbidden
			}
		}
		return roleCheck(r, identity)
	}
}
