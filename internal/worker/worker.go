// Package worker executes harvest attempts pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/metrics"
	"github.com/JakeFAU/goharvest/internal/pipeline"
)

// Lifecycle owns the job state transitions around an attempt.
type Lifecycle interface {
	Begin(ctx context.Context, jobID string) (harvest.Job, error)
	Complete(ctx context.Context, jobID string, result harvest.Result) error
	Fail(ctx context.Context, jobID string, cause error) error
}

// Runner executes one attempt of a job. Commit is called only for attempts
// whose result was accepted by Complete.
type Runner interface {
	Run(ctx context.Context, job harvest.Job, hook pipeline.StageHook) (harvest.Result, error)
	Commit(ctx context.Context, job harvest.Job, result harvest.Result) error
}

// JobReader reads the current job record.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (harvest.Job, error)
}

// Config controls Worker behavior.
type Config struct {
	// AttemptTimeout bounds one attempt. Zero disables the bound.
	AttemptTimeout time.Duration
}

// Worker consumes queue items and runs the pipeline for each.
type Worker struct {
	queue     harvest.Queue
	jobs      JobReader
	lifecycle Lifecycle
	runner    Runner
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(queue harvest.Queue, jobs JobReader, lifecycle Lifecycle, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		lifecycle: lifecycle,
		runner:    runner,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.Process(ctx, item)
	}
}

// Process runs one queue item to a terminal or retry state.
func (w *Worker) Process(ctx context.Context, item harvest.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID))

	job, err := w.lifecycle.Begin(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, harvest.ErrIllegalTransition) || errors.Is(err, harvest.ErrStaleState) || errors.Is(err, harvest.ErrNotFound) {
			logger.Info("skipping job that is no longer runnable", zap.Error(err))
			return
		}
		logger.Error("begin job failed", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	attemptCtx := ctx
	if w.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()
	}

	result, runErr := w.runner.Run(attemptCtx, job, w.stillRunning(job.ID))
	if runErr != nil {
		if harvest.Classify(runErr) == harvest.KindCancelled {
			logger.Info("attempt aborted", zap.Error(runErr))
			return
		}
		logger.Warn("attempt failed", zap.String("kind", string(harvest.Classify(runErr))), zap.Error(runErr))
		if err := w.lifecycle.Fail(ctx, job.ID, runErr); err != nil {
			logger.Error("record failure", zap.Error(err))
		}
		return
	}

	if err := w.lifecycle.Complete(ctx, job.ID, result); err != nil {
		if errors.Is(err, harvest.ErrStaleState) || errors.Is(err, harvest.ErrIllegalTransition) {
			logger.Info("job left running before completion", zap.Error(err))
			return
		}
		logger.Error("complete job", zap.Error(err))
		return
	}
	if err := w.runner.Commit(ctx, job, result); err != nil {
		logger.Warn("commit completed harvest", zap.Error(err))
	}
}

// stillRunning returns a stage hook that aborts the attempt once the job is
// no longer running.
func (w *Worker) stillRunning(jobID string) pipeline.StageHook {
	return func(ctx context.Context, stage string) error {
		if w.jobs == nil {
			return nil
		}
		job, err := w.jobs.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("check job before %s: %w", stage, err)
		}
		if job.Status != harvest.StatusRunning {
			return fmt.Errorf("job %s is %s before %s: %w", jobID, job.Status, stage, harvest.ErrCancelled)
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
