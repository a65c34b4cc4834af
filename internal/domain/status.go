package domain

import "strings"

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// StepStatus is the lifecycle status of a step run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCached    StepStatus = "cached"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Reasons recorded alongside failed step runs.
const (
	ReasonUpstreamFailure   = "upstream failure"
	ReasonIncompleteOutputs = "incomplete outputs"
	ReasonDispatchLost      = "dispatch lost"
	ReasonCanceled          = "canceled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusCanceled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCanceled},
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusCached, StepStatusRunning, StepStatusFailed},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed},
}

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCached, StepStatusCompleted, StepStatusFailed:
		return true
	}
	return false
}

// Successful reports whether the step produced usable outputs. Cached step
// runs count: their reused outputs satisfy downstream inputs.
func (s StepStatus) Successful() bool {
	return s == StepStatusCached || s == StepStatusCompleted
}

// CanTransitionRunStatus reports whether a run may move from current to next.
// Runs progress forward only; a terminal status is final.
func CanTransitionRunStatus(current, next RunStatus) bool {
	for _, allowed := range runTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransitionStepStatus reports whether a step run may move from current to
// next. Pending steps may fail directly when an upstream step has failed or
// the run was canceled; otherwise they start or reuse a cached result.
func CanTransitionStepStatus(current, next StepStatus) bool {
	for _, allowed := range stepTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusQueued):
		return RunStatusQueued
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusCompleted), "succeeded":
		return RunStatusCompleted
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCanceled), "cancelled":
		return RunStatusCanceled
	default:
		return ""
	}
}

// NormalizeStepStatus maps free-form status values to canonical step statuses.
func NormalizeStepStatus(value string) StepStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StepStatusPending):
		return StepStatusPending
	case string(StepStatusRunning):
		return StepStatusRunning
	case string(StepStatusCached):
		return StepStatusCached
	case string(StepStatusCompleted), "succeeded":
		return StepStatusCompleted
	case string(StepStatusFailed):
		return StepStatusFailed
	default:
		return ""
	}
}
