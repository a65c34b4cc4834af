// Package state holds the pure decision logic of the step run lifecycle:
// whether a pending step may start, reuse a cached result, or must fail
// because an upstream step failed, and how a finished run's terminal status
// derives from its steps. The scheduler applies these decisions; this
// package never touches the store.
package state

import (
	"fmt"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

// Gate is the scheduling verdict for a pending step given its parents.
type Gate int

const (
	// GateBlocked means at least one parent has not reached a terminal
	// status yet.
	GateBlocked Gate = iota
	// GateReady means every parent is terminal and successful.
	GateReady
	// GateUpstreamFailed means at least one parent failed; the step must
	// fail without dispatch.
	GateUpstreamFailed
)

// ParentGate inspects the parents of a pending step. A step with no parents
// is always ready.
func ParentGate(parents []domain.StepStatus) Gate {
	for _, status := range parents {
		if status == domain.StepStatusFailed {
			return GateUpstreamFailed
		}
	}
	for _, status := range parents {
		if !status.Terminal() {
			return GateBlocked
		}
	}
	return GateReady
}

// Action is what the scheduler does with a ready step.
type Action int

const (
	ActionDispatch Action = iota
	ActionUseCache
)

// CacheDecision picks between dispatch and cache reuse. A cached result is
// only reused when the step opted into caching and a prior completed run
// with the same cache key exists.
func CacheDecision(cacheEnabled bool, cachedMatch bool) Action {
	if cacheEnabled && cachedMatch {
		return ActionUseCache
	}
	return ActionDispatch
}

// MissingOutputs returns the declared output names that have no artifact
// binding, in declaration order. A non-empty result after a backend success
// report is the incomplete-output failure.
func MissingOutputs(declared []domain.OutputSpec, bound map[string]domain.Artifact) []string {
	var missing []string
	for _, out := range declared {
		name := strings.TrimSpace(out.Name)
		if name == "" {
			continue
		}
		if _, ok := bound[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// DeriveRunStatus computes the run's terminal status once every step is
// terminal: completed iff every step succeeded, failed otherwise. The bool
// is false while any step is still pending or running.
func DeriveRunStatus(steps []domain.StepRun) (domain.RunStatus, bool) {
	allTerminal := true
	anyFailed := false
	for _, step := range steps {
		if !step.Status.Terminal() {
			allTerminal = false
			continue
		}
		if step.Status == domain.StepStatusFailed {
			anyFailed = true
		}
	}
	if !allTerminal {
		return "", false
	}
	if anyFailed {
		return domain.RunStatusFailed, true
	}
	return domain.RunStatusCompleted, true
}

// DispatchError marks a step failure caused by the execution backend:
// image resolution, provisioning, or the bootstrap never completing.
type DispatchError struct {
	Backend string
	Step    string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch step %q on backend %q: %v", e.Step, e.Backend, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IncompleteOutputError marks a backend success report whose declared
// outputs were not all bound. The step cannot be treated as cache-valid.
type IncompleteOutputError struct {
	Step    string
	Missing []string
}

func (e *IncompleteOutputError) Error() string {
	return fmt.Sprintf("step %q reported success with unbound outputs: %s", e.Step, strings.Join(e.Missing, ", "))
}
