// Package scheduler drives one pipeline run to a terminal status. A single
// coordinator goroutine owns all record-store writes for the run; backend
// dispatches and waits happen in per-step goroutines so independent branches
// execute concurrently. The store is the source of truth throughout: every
// transition is durable before a dependent step proceeds, so an interrupted
// run can be resumed from its persisted statuses alone.
package scheduler

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
	"github.com/cascade-labs/cascade-go/internal/execution/backend"
	"github.com/cascade-labs/cascade-go/internal/execution/cachekey"
	"github.com/cascade-labs/cascade-go/internal/execution/plan"
	"github.com/cascade-labs/cascade-go/internal/execution/state"
	"github.com/cascade-labs/cascade-go/internal/platform/auth"
	"github.com/cascade-labs/cascade-go/internal/platform/metrics"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

// OutputResolver locates one declared output of a finished step execution
// and produces its artifact record. *artifact.Store implements it; a
// resolver reporting artifact.ErrObjectMissing marks the step's incomplete-
// output failure.
type OutputResolver interface {
	ResolveOutput(ctx context.Context, runID, stepName, producerStepRunID string, out domain.OutputSpec) (domain.Artifact, error)
}

// Config wires a Scheduler. Runs, StepRuns, Artifacts, Outputs and Backend
// are required; the rest defaults.
type Config struct {
	Runs      repo.RunRepository
	StepRuns  repo.StepRunRepository
	Artifacts repo.ArtifactRepository
	Outputs   OutputResolver
	Backend   backend.Backend

	Logger  *slog.Logger
	Metrics *metrics.Set

	// APIURL and RunTokenSecret, when set, let dispatched steps call back
	// into the pipelines API with a run-scoped token.
	APIURL         string
	RunTokenSecret string
	RunTokenTTL    time.Duration

	// CancelPollInterval bounds how long a cancellation request can go
	// unobserved while the coordinator is blocked on backend waits.
	CancelPollInterval time.Duration

	Now func() time.Time
}

type Scheduler struct {
	runs      repo.RunRepository
	stepRuns  repo.StepRunRepository
	artifacts repo.ArtifactRepository
	outputs   OutputResolver
	backend   backend.Backend

	logger  *slog.Logger
	metrics *metrics.Set

	apiURL         string
	runTokenSecret string
	runTokenTTL    time.Duration

	cancelPoll time.Duration
	now        func() time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Runs == nil || cfg.StepRuns == nil || cfg.Artifacts == nil {
		return nil, errors.New("run, step run and artifact repositories are required")
	}
	if cfg.Outputs == nil {
		return nil, errors.New("output resolver is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("execution backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.RunTokenTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	poll := cfg.CancelPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		runs:           cfg.Runs,
		stepRuns:       cfg.StepRuns,
		artifacts:      cfg.Artifacts,
		outputs:        cfg.Outputs,
		backend:        cfg.Backend,
		logger:         logger,
		metrics:        cfg.Metrics,
		apiURL:         strings.TrimSpace(cfg.APIURL),
		runTokenSecret: strings.TrimSpace(cfg.RunTokenSecret),
		runTokenTTL:    ttl,
		cancelPoll:     poll,
		now:            now,
	}, nil
}

// stepState is the coordinator's in-memory view of one planned step. Only
// the coordinator goroutine touches it.
type stepState struct {
	spec    domain.StepSpec
	record  *domain.StepRun
	outputs map[string]domain.Artifact
}

func (st *stepState) status() domain.StepStatus {
	if st.record == nil {
		return domain.StepStatusPending
	}
	return st.record.Status
}

func (st *stepState) terminal() bool {
	return st.record != nil && st.record.Status.Terminal()
}

// stepResult is what a dispatch goroutine reports back to the coordinator.
type stepResult struct {
	name       string
	stepRunID  string
	dispatched bool
	result     backend.Result
	err        error
	startedAt  time.Time
	endedAt    time.Time
}

type execution struct {
	run      domain.PipelineRun
	plan     plan.Plan
	steps    map[string]*stepState
	results  chan stepResult
	inFlight int
	canceled bool

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
}

// Execute drives a running pipeline run to a terminal status. It handles a
// fresh run and a resumed one uniformly: existing terminal step runs are
// honored, step runs left running by a dead process are failed as
// dispatch-lost, and everything else is driven from the plan. The run must
// already be in running status.
//
// Store errors abort the attempt without forcing a terminal run status, so
// a later resume can carry on from whatever was durably recorded.
func (s *Scheduler) Execute(ctx context.Context, run domain.PipelineRun) error {
	p, err := plan.Resolve(run.Config.Spec)
	if err != nil {
		endErr := s.finishRun(ctx, run, domain.RunStatusFailed)
		return errors.Join(err, endErr)
	}

	ex := &execution{
		run:     run,
		plan:    p,
		steps:   make(map[string]*stepState, len(p.Steps)),
		results: make(chan stepResult, len(p.Steps)),
	}
	ex.dispatchCtx, ex.cancelDispatch = context.WithCancel(ctx)
	defer ex.cancelDispatch()
	for _, spec := range p.Steps {
		ex.steps[spec.Name] = &stepState{spec: spec}
	}

	if err := s.adoptExisting(ctx, ex); err != nil {
		return err
	}
	if err := s.loop(ctx, ex); err != nil {
		return err
	}
	return s.conclude(ctx, ex)
}

// adoptExisting loads step runs persisted by a previous attempt. Terminal
// records are kept as-is; running ones lost their backend handle with the
// old process and are failed so their descendants see an upstream failure.
func (s *Scheduler) adoptExisting(ctx context.Context, ex *execution) error {
	existing, err := s.stepRuns.ListStepRuns(ctx, repo.StepRunFilter{RunID: ex.run.ID})
	if err != nil {
		return fmt.Errorf("list step runs for %s: %w", ex.run.ID, err)
	}
	for i := range existing {
		record := existing[i]
		st, ok := ex.steps[record.StepName]
		if !ok {
			s.logger.Warn("step run has no step in the run's spec, ignoring",
				"run_id", ex.run.ID, "step_run_id", record.ID, "step", record.StepName)
			continue
		}
		if record.Status == domain.StepStatusRunning {
			at := s.now().UTC()
			if err := s.stepRuns.UpdateStepRunStatus(ctx, record.ID, domain.StepStatusRunning, domain.StepStatusFailed, domain.ReasonDispatchLost, at); err != nil {
				return err
			}
			record.Status = domain.StepStatusFailed
			record.Reason = domain.ReasonDispatchLost
			record.EndedAt = &at
			s.logger.Warn("failed step run whose backend execution was lost",
				"run_id", ex.run.ID, "step_run_id", record.ID, "step", record.StepName)
		}
		if record.Status.Successful() {
			outputs, err := s.stepRuns.ListBoundArtifacts(ctx, record.ID, domain.ArtifactDirectionOutput)
			if err != nil {
				return fmt.Errorf("load outputs of resumed step run %s: %w", record.ID, err)
			}
			st.outputs = outputs
		}
		st.record = &record
	}
	return nil
}

// loop is the coordinator: it alternates between advancing pending steps
// and settling finished dispatches until every planned step is terminal or
// the run is canceled.
func (s *Scheduler) loop(ctx context.Context, ex *execution) error {
	ticker := time.NewTicker(s.cancelPoll)
	defer ticker.Stop()

	for {
		if err := s.observeCancel(ctx, ex); err != nil {
			return err
		}
		if !ex.canceled {
			if err := s.advance(ctx, ex); err != nil {
				return err
			}
		}
		if s.allTerminal(ex) {
			return nil
		}
		if ex.inFlight == 0 {
			if ex.canceled {
				return nil
			}
			return fmt.Errorf("run %s stalled with no step in flight", ex.run.ID)
		}

		select {
		case res := <-ex.results:
			ex.inFlight--
			if err := s.settle(ctx, ex, res); err != nil {
				return err
			}
		case <-ticker.C:
		case <-ctx.Done():
			// Shutdown, not cancellation: leave the run running so the
			// next process resumes it.
			ex.cancelDispatch()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) observeCancel(ctx context.Context, ex *execution) error {
	if ex.canceled {
		return nil
	}
	requested, err := s.runs.CancelRequested(ctx, ex.run.ID)
	if err != nil {
		return fmt.Errorf("check cancel for %s: %w", ex.run.ID, err)
	}
	if requested {
		ex.canceled = true
		ex.cancelDispatch()
		s.logger.Info("cancellation observed, stopping dispatch", "run_id", ex.run.ID)
	}
	return nil
}

// advance repeatedly walks the plan in order, acting on every pending step
// whose parents permit it, until a full pass makes no progress. Cache hits
// and upstream failures resolve inline and can unblock later steps within
// the same call.
func (s *Scheduler) advance(ctx context.Context, ex *execution) error {
	for {
		progressed := false
		for _, spec := range ex.plan.Steps {
			st := ex.steps[spec.Name]
			if st.terminal() || st.status() == domain.StepStatusRunning {
				continue
			}
			acted, err := s.advanceStep(ctx, ex, st)
			if err != nil {
				return err
			}
			progressed = progressed || acted
		}
		if !progressed {
			return nil
		}
	}
}

func (s *Scheduler) advanceStep(ctx context.Context, ex *execution, st *stepState) (bool, error) {
	switch s.gate(ex, st) {
	case state.GateBlocked:
		return false, nil
	case state.GateUpstreamFailed:
		return true, s.failWithoutDispatch(ctx, ex, st, domain.ReasonUpstreamFailure)
	}

	inputs, missingExternal := s.resolveInputs(ex, st)
	if missingExternal != "" {
		return true, s.failWithoutDispatch(ctx, ex, st, "external input "+missingExternal+" is not bound")
	}

	inputIDs := make(map[string]string, len(inputs))
	for name, art := range inputs {
		inputIDs[name] = art.ID
	}
	key := cachekey.Compute(cachekey.Input{
		SourceHash:     st.spec.SourceHash,
		Parameters:     st.spec.Parameters,
		InputArtifacts: inputIDs,
	})

	var cached domain.StepRun
	cachedMatch := false
	if st.spec.CacheEnabled {
		prior, err := s.stepRuns.GetStepRunByCacheKey(ctx, ex.run.PipelineID, key)
		switch {
		case err == nil:
			cached, cachedMatch = prior, true
		case errors.Is(err, repo.ErrNotFound):
		default:
			return false, fmt.Errorf("cache lookup for step %s: %w", st.spec.Name, err)
		}
	}

	if err := s.createStepRun(ctx, ex, st, key, inputs); err != nil {
		return false, err
	}

	if state.CacheDecision(st.spec.CacheEnabled, cachedMatch) == state.ActionUseCache {
		return true, s.reuseCached(ctx, ex, st, cached)
	}
	return true, s.dispatch(ctx, ex, st)
}

func (s *Scheduler) gate(ex *execution, st *stepState) state.Gate {
	parents := ex.plan.Parents[st.spec.Name]
	statuses := make([]domain.StepStatus, 0, len(parents))
	for _, parent := range parents {
		statuses = append(statuses, ex.steps[parent].status())
	}
	return state.ParentGate(statuses)
}

// resolveInputs maps each input binding of a step to its artifact. Upstream
// bindings read the parent's bound outputs; external bindings read the
// run's trigger-time configuration. The parents are terminal and successful
// when this is called, so their outputs exist.
func (s *Scheduler) resolveInputs(ex *execution, st *stepState) (map[string]domain.Artifact, string) {
	inputs := make(map[string]domain.Artifact, len(st.spec.Inputs))
	for _, in := range st.spec.Inputs {
		if in.IsExternal() {
			id := strings.TrimSpace(ex.run.Config.ExternalInputs[strings.TrimSpace(in.External)])
			if id == "" {
				return nil, in.External
			}
			inputs[in.Name] = domain.Artifact{ID: id}
			continue
		}
		parent := ex.steps[in.FromStep]
		if parent == nil {
			return nil, in.Name
		}
		art, ok := parent.outputs[in.Output]
		if !ok {
			return nil, in.Name
		}
		inputs[in.Name] = art
	}
	return inputs, ""
}

// createStepRun persists the step run record and its input bindings. The
// record is created only once the step is actionable, because the cache key
// depends on the parents' output artifacts and is immutable afterwards.
func (s *Scheduler) createStepRun(ctx context.Context, ex *execution, st *stepState, cacheKey string, inputs map[string]domain.Artifact) error {
	if st.record != nil {
		return nil
	}
	parentIDs := make([]string, 0, len(ex.plan.Parents[st.spec.Name]))
	for _, parent := range ex.plan.Parents[st.spec.Name] {
		if rec := ex.steps[parent].record; rec != nil {
			parentIDs = append(parentIDs, rec.ID)
		}
	}
	record := domain.StepRun{
		ID:         uuid.NewString(),
		RunID:      ex.run.ID,
		StepName:   st.spec.Name,
		Status:     domain.StepStatusPending,
		CacheKey:   cacheKey,
		SourceHash: st.spec.SourceHash,
		Parameters: st.spec.Parameters,
		ParentIDs:  parentIDs,
	}
	if err := s.stepRuns.CreateStepRun(ctx, record); err != nil {
		return fmt.Errorf("create step run for %s: %w", st.spec.Name, err)
	}
	for _, in := range st.spec.Inputs {
		art, ok := inputs[in.Name]
		if !ok {
			continue
		}
		if err := s.stepRuns.BindArtifact(ctx, record.ID, in.Name, art.ID, domain.ArtifactDirectionInput); err != nil {
			return fmt.Errorf("bind input %s of step %s: %w", in.Name, st.spec.Name, err)
		}
	}
	st.record = &record
	return nil
}

// failWithoutDispatch records a pending step as failed. Used for upstream
// failures and unbound external inputs; the step never reaches a backend.
func (s *Scheduler) failWithoutDispatch(ctx context.Context, ex *execution, st *stepState, reason string) error {
	if err := s.createStepRun(ctx, ex, st, "", nil); err != nil {
		return err
	}
	at := s.now().UTC()
	if err := s.stepRuns.UpdateStepRunStatus(ctx, st.record.ID, domain.StepStatusPending, domain.StepStatusFailed, reason, at); err != nil {
		return err
	}
	st.record.Status = domain.StepStatusFailed
	st.record.Reason = reason
	st.record.EndedAt = &at
	s.stepTerminal(domain.StepStatusFailed)
	s.logger.Info("step failed without dispatch",
		"run_id", ex.run.ID, "step", st.spec.Name, "reason", reason)
	return nil
}

// reuseCached marks the step cached and rebinds the prior run's output
// artifacts to it, so downstream inputs resolve without re-execution.
func (s *Scheduler) reuseCached(ctx context.Context, ex *execution, st *stepState, prior domain.StepRun) error {
	priorOutputs, err := s.stepRuns.ListBoundArtifacts(ctx, prior.ID, domain.ArtifactDirectionOutput)
	if err != nil {
		return fmt.Errorf("load cached outputs of %s: %w", prior.ID, err)
	}
	for name, art := range priorOutputs {
		if err := s.stepRuns.BindArtifact(ctx, st.record.ID, name, art.ID, domain.ArtifactDirectionOutput); err != nil {
			return fmt.Errorf("bind cached output %s of step %s: %w", name, st.spec.Name, err)
		}
	}
	at := s.now().UTC()
	if err := s.stepRuns.UpdateStepRunStatus(ctx, st.record.ID, domain.StepStatusPending, domain.StepStatusCached, "", at); err != nil {
		return err
	}
	st.record.Status = domain.StepStatusCached
	st.record.EndedAt = &at
	st.outputs = priorOutputs
	s.stepTerminal(domain.StepStatusCached)
	s.logger.Info("step reused cached result",
		"run_id", ex.run.ID, "step", st.spec.Name, "cache_key", st.record.CacheKey, "source_step_run_id", prior.ID)
	return nil
}

// dispatch transitions the step to running, then hands it to the backend in
// its own goroutine. The running transition is durable before the backend
// sees the step, which is what makes dispatch at-most-once: a record in
// running status is never dispatched again.
func (s *Scheduler) dispatch(ctx context.Context, ex *execution, st *stepState) error {
	startedAt := s.now().UTC()
	if err := s.stepRuns.UpdateStepRunStatus(ctx, st.record.ID, domain.StepStatusPending, domain.StepStatusRunning, "", startedAt); err != nil {
		return err
	}
	st.record.Status = domain.StepStatusRunning
	st.record.StartedAt = &startedAt

	exec := backend.StepExecution{
		RunID:     ex.run.ID,
		StepRunID: st.record.ID,
		StepName:  st.spec.Name,
		Image:     st.spec.Image,
		Command:   append([]string(nil), st.spec.Command...),
		Args:      append([]string(nil), st.spec.Args...),
		Env:       append([]domain.EnvVar(nil), st.spec.Env...),
		APIURL:    s.apiURL,
	}
	if s.runTokenSecret != "" {
		token, err := auth.GenerateRunToken(s.runTokenSecret, auth.RunTokenClaims{
			RunID:         ex.run.ID,
			StepRunID:     st.record.ID,
			ExpiresAtUnix: startedAt.Add(s.runTokenTTL).Unix(),
		}, startedAt)
		if err != nil {
			return fmt.Errorf("mint run token for step %s: %w", st.spec.Name, err)
		}
		exec.RunToken = token
	}

	ex.inFlight++
	s.logger.Info("dispatching step",
		"run_id", ex.run.ID, "step", st.spec.Name, "step_run_id", st.record.ID, "backend", s.backend.Name())
	go s.runStep(ex.dispatchCtx, ex.results, exec, startedAt)
	return nil
}

// runStep performs the backend side of one step: dispatch, await, cleanup.
// It never touches the record store; the coordinator settles its result.
func (s *Scheduler) runStep(ctx context.Context, results chan<- stepResult, exec backend.StepExecution, startedAt time.Time) {
	res := stepResult{name: exec.StepName, stepRunID: exec.StepRunID, startedAt: startedAt}

	handle, err := s.backend.Dispatch(ctx, exec)
	if err != nil {
		res.err = &state.DispatchError{Backend: s.backend.Name(), Step: exec.StepName, Err: err}
		res.endedAt = s.now().UTC()
		results <- res
		return
	}
	res.dispatched = true

	result, err := s.backend.Await(ctx, handle)
	res.endedAt = s.now().UTC()
	if err != nil {
		res.err = err
	} else {
		res.result = result
	}

	// Cleanup runs regardless of outcome and must survive cancellation.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if cerr := s.backend.Cleanup(cleanupCtx, handle); cerr != nil {
		s.logger.Warn("backend cleanup failed",
			"step_run_id", exec.StepRunID, "backend", s.backend.Name(), "error", cerr)
	}
	results <- res
}

// settle applies one backend outcome: failure reasons, or output resolution
// and the completed transition. All store writes stay on the coordinator.
func (s *Scheduler) settle(ctx context.Context, ex *execution, res stepResult) error {
	st := ex.steps[res.name]
	at := res.endedAt
	if at.IsZero() {
		at = s.now().UTC()
	}

	fail := func(reason string) error {
		if err := s.stepRuns.UpdateStepRunStatus(ctx, res.stepRunID, domain.StepStatusRunning, domain.StepStatusFailed, reason, at); err != nil {
			return err
		}
		st.record.Status = domain.StepStatusFailed
		st.record.Reason = reason
		st.record.EndedAt = &at
		s.stepTerminal(domain.StepStatusFailed)
		return nil
	}

	switch {
	case res.err != nil && ex.canceled:
		// Keep the underlying failure visible when it is more than the
		// dispatch context being torn down, so a post-mortem can tell a
		// clean cancellation from a step that broke while canceling.
		reason := domain.ReasonCanceled
		if !errors.Is(res.err, context.Canceled) {
			reason = trimReason(domain.ReasonCanceled + ": " + res.err.Error())
		}
		s.logger.Info("step canceled", "run_id", ex.run.ID, "step", res.name, "error", res.err)
		return fail(reason)
	case res.err != nil && !res.dispatched:
		if s.metrics != nil {
			s.metrics.DispatchErrorsTotal.WithLabelValues(s.backend.Name()).Inc()
		}
		s.logger.Error("step dispatch failed", "run_id", ex.run.ID, "step", res.name, "error", res.err)
		return fail(trimReason(res.err.Error()))
	case res.err != nil:
		s.logger.Error("step execution failed", "run_id", ex.run.ID, "step", res.name, "error", res.err)
		return fail(trimReason(res.err.Error()))
	case !res.result.Success:
		reason := strings.TrimSpace(res.result.Message)
		if reason == "" {
			reason = "execution reported failure"
		}
		s.logger.Info("step reported failure", "run_id", ex.run.ID, "step", res.name, "reason", reason)
		return fail(trimReason(reason))
	}

	outputs, missing, err := s.resolveOutputs(ctx, ex, st, res.stepRunID)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		incomplete := &state.IncompleteOutputError{Step: res.name, Missing: missing}
		s.logger.Error("step succeeded with unbound outputs",
			"run_id", ex.run.ID, "step", res.name, "missing", missing, "error", incomplete)
		return fail(domain.ReasonIncompleteOutputs)
	}

	for _, out := range st.spec.Outputs {
		art := outputs[out.Name]
		if err := s.artifacts.CreateArtifact(ctx, art); err != nil {
			return fmt.Errorf("create output artifact %s of step %s: %w", out.Name, res.name, err)
		}
		if err := s.stepRuns.BindArtifact(ctx, res.stepRunID, out.Name, art.ID, domain.ArtifactDirectionOutput); err != nil {
			return fmt.Errorf("bind output %s of step %s: %w", out.Name, res.name, err)
		}
	}
	if err := s.stepRuns.UpdateStepRunStatus(ctx, res.stepRunID, domain.StepStatusRunning, domain.StepStatusCompleted, "", at); err != nil {
		return err
	}
	st.record.Status = domain.StepStatusCompleted
	st.record.EndedAt = &at
	st.outputs = outputs
	s.stepTerminal(domain.StepStatusCompleted)
	if s.metrics != nil && !res.startedAt.IsZero() {
		s.metrics.StepDuration.WithLabelValues(s.backend.Name()).Observe(at.Sub(res.startedAt).Seconds())
	}
	s.logger.Info("step completed",
		"run_id", ex.run.ID, "step", res.name, "outputs", len(outputs))
	return nil
}

// resolveOutputs checks every declared output of a successful step against
// the object store. A declared output with no stored object is missing; the
// step cannot be completed or reused from cache.
func (s *Scheduler) resolveOutputs(ctx context.Context, ex *execution, st *stepState, stepRunID string) (map[string]domain.Artifact, []string, error) {
	resolved := make(map[string]domain.Artifact, len(st.spec.Outputs))
	var missing []string
	for _, out := range st.spec.Outputs {
		art, err := s.outputs.ResolveOutput(ctx, ex.run.ID, st.spec.Name, stepRunID, out)
		if errors.Is(err, artifact.ErrObjectMissing) {
			missing = append(missing, out.Name)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolve output %s of step %s: %w", out.Name, st.spec.Name, err)
		}
		resolved[out.Name] = art
	}
	bound := make(map[string]domain.Artifact, len(resolved))
	for name, art := range resolved {
		bound[name] = art
	}
	// Recompute against the declaration so renamed or empty outputs cannot
	// mask a gap.
	missing = state.MissingOutputs(st.spec.Outputs, bound)
	return resolved, missing, nil
}

func (s *Scheduler) allTerminal(ex *execution) bool {
	for _, st := range ex.steps {
		if !st.terminal() {
			return false
		}
	}
	return true
}

// conclude derives and persists the run's terminal status.
func (s *Scheduler) conclude(ctx context.Context, ex *execution) error {
	if ex.canceled {
		return s.finishRun(ctx, ex.run, domain.RunStatusCanceled)
	}
	steps := make([]domain.StepRun, 0, len(ex.steps))
	for _, st := range ex.steps {
		if st.record != nil {
			steps = append(steps, *st.record)
		} else {
			steps = append(steps, domain.StepRun{Status: domain.StepStatusPending})
		}
	}
	status, ok := state.DeriveRunStatus(steps)
	if !ok {
		return fmt.Errorf("run %s has non-terminal steps after scheduling", ex.run.ID)
	}
	return s.finishRun(ctx, ex.run, status)
}

func (s *Scheduler) finishRun(ctx context.Context, run domain.PipelineRun, status domain.RunStatus) error {
	at := s.now().UTC()
	if err := s.runs.UpdateRunStatus(ctx, run.ID, domain.RunStatusRunning, status, at); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	}
	s.logger.Info("run finished", "run_id", run.ID, "status", string(status))
	return nil
}

func (s *Scheduler) stepTerminal(status domain.StepStatus) {
	if s.metrics != nil {
		s.metrics.StepsTotal.WithLabelValues(string(status)).Inc()
	}
}

// trimReason bounds persisted failure reasons; backend errors can carry
// whole command output.
func trimReason(reason string) string {
	const max = 500
	reason = strings.TrimSpace(reason)
	if len(reason) > max {
		return reason[:max]
	}
	return reason
}
