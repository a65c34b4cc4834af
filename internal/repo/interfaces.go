package repo

import (
	"context"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/platform/runevent"
)

type PipelineFilter struct {
	Name  string
	Limit int
}

type RunFilter struct {
	PipelineID string
	Status     domain.RunStatus
	Limit      int
}

type StepRunFilter struct {
	RunID  string
	Status domain.StepStatus
	Limit  int
}

type ArtifactFilter struct {
	ProducerStepRunID string
	Type              string
	Limit             int
}

// PipelineRepository manages registered pipelines. Registration is
// idempotent on the document's spec hash.
type PipelineRepository interface {
	CreatePipeline(ctx context.Context, pipeline domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
	GetPipelineBySpecHash(ctx context.Context, specHash string) (domain.Pipeline, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]domain.Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error
}

// RunRepository manages pipeline runs. Status updates are guarded by the
// expected current status and commit their transition event in the same
// transaction.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	UpdateRunStatus(ctx context.Context, id string, from, to domain.RunStatus, at time.Time) error

	// ClaimQueuedRun atomically moves the oldest queued, uncanceled run to
	// running and returns it. ErrNotFound means nothing is queued.
	ClaimQueuedRun(ctx context.Context, at time.Time) (domain.PipelineRun, error)

	// RequestCancel marks a run for cancellation. Queued runs are canceled
	// immediately; running runs keep their status until the worker observes
	// the request and stops.
	RequestCancel(ctx context.Context, id string, at time.Time) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	// DeleteRun removes a terminal run with its step runs, bindings and
	// events. Artifact records survive: other runs may reference them.
	DeleteRun(ctx context.Context, id string) error

	ListRunEvents(ctx context.Context, runID string, afterEventID int64, limit int) ([]runevent.Row, error)
}

// StepRunRepository manages step runs, their parent links, and their
// artifact bindings.
type StepRunRepository interface {
	CreateStepRun(ctx context.Context, stepRun domain.StepRun) error
	GetStepRun(ctx context.Context, id string) (domain.StepRun, error)
	ListStepRuns(ctx context.Context, filter StepRunFilter) ([]domain.StepRun, error)
	UpdateStepRunStatus(ctx context.Context, id string, from, to domain.StepStatus, reason string, at time.Time) error

	// GetStepRunByCacheKey returns the most recent completed step run of the
	// pipeline with the given cache key.
	GetStepRunByCacheKey(ctx context.Context, pipelineID, cacheKey string) (domain.StepRun, error)

	BindArtifact(ctx context.Context, stepRunID, name, artifactID, direction string) error
	ListBoundArtifacts(ctx context.Context, stepRunID, direction string) (map[string]domain.Artifact, error)
}

// ArtifactRepository manages content-addressed artifact records.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
}
