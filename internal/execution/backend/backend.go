// Package backend abstracts where a step's command actually runs. The
// scheduler resolves a step to a concrete entrypoint and hands it to a
// Backend; the backend reports a terminal success/failure signal and
// nothing else. Backends are substrate-specific (process, container,
// Kubernetes job, remote VM) and swappable without touching orchestration.
package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

// Reserved environment variables injected into every step execution. Step
// env vars with these names are dropped.
const (
	EnvRunID     = "CASCADE_RUN_ID"
	EnvStepRunID = "CASCADE_STEP_RUN_ID"
	EnvStepName  = "CASCADE_STEP_NAME"
	EnvAPIURL    = "CASCADE_API_URL"
	EnvRunToken  = "CASCADE_RUN_TOKEN"
)

var (
	// ErrHandleNotFound is returned by Await/Cleanup when the handle does
	// not correspond to a live execution on this backend.
	ErrHandleNotFound = errors.New("execution handle not found")
	// ErrAwaitTimeout is returned when an execution does not reach a
	// terminal state within the backend's dispatch timeout.
	ErrAwaitTimeout = errors.New("await completion timed out")
)

// StepExecution is the fully resolved unit a backend runs: identity for
// bookkeeping plus the exact image, entrypoint and environment.
type StepExecution struct {
	RunID     string
	StepRunID string
	StepName  string

	Image   string
	Command []string
	Args    []string
	Env     []domain.EnvVar

	// APIURL and RunToken let the step process push artifacts back through
	// the pipelines API. Both are optional.
	APIURL   string
	RunToken string
}

// Handle identifies one dispatched execution on one backend. ID is
// backend-specific: a container name, a job name, or an instance id.
type Handle struct {
	Backend string
	ID      string
}

// Result is the terminal signal of one execution.
type Result struct {
	Success bool
	Message string
}

// Backend is the dispatch contract. Dispatch starts the execution and
// returns immediately; Await blocks until the execution is terminal or the
// backend's timeout elapses; Cleanup force-releases backend resources and
// is safe to call after normal completion.
type Backend interface {
	Name() string
	Dispatch(ctx context.Context, exec StepExecution) (Handle, error)
	Await(ctx context.Context, handle Handle) (Result, error)
	Cleanup(ctx context.Context, handle Handle) error
}

// BaseEnv assembles the injected variables followed by the step's own env,
// dropping reserved names.
func BaseEnv(exec StepExecution) []domain.EnvVar {
	env := []domain.EnvVar{
		{Name: EnvRunID, Value: exec.RunID},
		{Name: EnvStepRunID, Value: exec.StepRunID},
		{Name: EnvStepName, Value: exec.StepName},
	}
	if strings.TrimSpace(exec.APIURL) != "" {
		env = append(env, domain.EnvVar{Name: EnvAPIURL, Value: exec.APIURL})
	}
	if strings.TrimSpace(exec.RunToken) != "" {
		env = append(env, domain.EnvVar{Name: EnvRunToken, Value: exec.RunToken})
	}
	for _, v := range exec.Env {
		if isReservedEnvName(v.Name) {
			continue
		}
		env = append(env, v)
	}
	return env
}

func isReservedEnvName(name string) bool {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case EnvRunID, EnvStepRunID, EnvStepName, EnvAPIURL, EnvRunToken:
		return true
	default:
		return false
	}
}

// ExecutionName builds the backend-side resource name for a step run.
// Underscores are not valid in most substrate names, so they become
// hyphens.
func ExecutionName(stepRunID string) string {
	id := strings.ToLower(strings.TrimSpace(stepRunID))
	id = strings.ReplaceAll(id, "_", "-")
	return "cascade-step-" + id
}

func (e StepExecution) validate() error {
	if strings.TrimSpace(e.StepRunID) == "" {
		return errors.New("step run id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.Image) == "" {
		return errors.New("image is required")
	}
	return nil
}
