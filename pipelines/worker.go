package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
	"github.com/cascade-labs/cascade-go/internal/execution/scheduler"
	"github.com/cascade-labs/cascade-go/internal/platform/metrics"
	"github.com/cascade-labs/cascade-go/internal/repo"
)

// runWorker is the background loop that turns queued runs into executed
// ones. On start it first resumes runs a previous process left running,
// then claims queued runs oldest first. One run executes at a time per
// worker; DAG parallelism lives inside the scheduler.
type runWorker struct {
	logger       *slog.Logger
	runs         repo.RunRepository
	scheduler    *scheduler.Scheduler
	metrics      *metrics.Set
	pollInterval time.Duration
}

func newRunWorker(logger *slog.Logger, runs repo.RunRepository, sched *scheduler.Scheduler, set *metrics.Set, pollInterval time.Duration) *runWorker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &runWorker{
		logger:       logger,
		runs:         runs,
		scheduler:    sched,
		metrics:      set,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is done.
func (w *runWorker) Run(ctx context.Context) {
	w.resume(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.updateQueueDepth(ctx)
		for {
			run, err := w.runs.ClaimQueuedRun(ctx, time.Now().UTC())
			if errors.Is(err, repo.ErrNotFound) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("claim queued run failed", "error", err)
				}
				break
			}
			run.Status = domain.RunStatusRunning
			w.execute(ctx, run)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// resume picks up runs left in running status by a dead process. The
// scheduler reconstructs their state entirely from the store: terminal
// step runs are honored, step runs whose backend execution is gone fail as
// dispatch-lost.
func (w *runWorker) resume(ctx context.Context) {
	stranded, err := w.runs.ListRuns(ctx, repo.RunFilter{Status: domain.RunStatusRunning, Limit: 500})
	if err != nil {
		w.logger.Error("list running runs for resume failed", "error", err)
		return
	}
	for _, run := range stranded {
		if ctx.Err() != nil {
			return
		}
		w.logger.Info("resuming run", "run_id", run.ID, "pipeline_id", run.PipelineID)
		w.execute(ctx, run)
	}
}

func (w *runWorker) execute(ctx context.Context, run domain.PipelineRun) {
	if w.metrics != nil {
		w.metrics.ActiveRuns.Inc()
		defer w.metrics.ActiveRuns.Dec()
	}
	w.logger.Info("executing run", "run_id", run.ID, "pipeline_id", run.PipelineID)
	if err := w.scheduler.Execute(ctx, run); err != nil {
		if errors.Is(err, context.Canceled) {
			// Shutdown mid-run: the run stays running and the next
			// process resumes it.
			w.logger.Info("run interrupted by shutdown", "run_id", run.ID)
			return
		}
		w.logger.Error("run execution failed", "run_id", run.ID, "error", err)
	}
}

func (w *runWorker) updateQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	queued, err := w.runs.ListRuns(ctx, repo.RunFilter{Status: domain.RunStatusQueued, Limit: 500})
	if err != nil {
		return
	}
	w.metrics.QueuedRuns.Set(float64(len(queued)))
}
