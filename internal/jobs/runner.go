package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trakka/payguard/internal/metrics"
)

// Executor performs the outbound call a job describes.
type Executor interface {
	// Execute runs the call. A returned error reschedules the job with
	// backoff until the retry bound is hit.
	Execute(ctx context.Context, j *Job) error
	// Exhausted is called once when a job fails permanently.
	Exhausted(ctx context.Context, j *Job)
}

// Runner drains due jobs through an Executor.
type Runner struct {
	store    Store
	executor Executor
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a job runner.
func NewRunner(store Store, executor Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, executor: executor, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// RunDue processes up to limit due jobs and returns how many it touched.
// Jobs are isolated from each other: a panic or error in one does not stop
// the rest of the batch.
func (r *Runner) RunDue(ctx context.Context, limit int) int {
	if limit <= 0 {
		limit = 50
	}
	due, err := r.store.ListDue(ctx, r.now(), limit)
	if err != nil {
		r.logger.Warn("failed to list due jobs", "error", err)
		return 0
	}

	for _, j := range due {
		r.runOne(ctx, j)
	}
	return len(due)
}

func (r *Runner) runOne(ctx context.Context, j *Job) {
	err := r.execute(ctx, j)
	now := r.now()

	if err == nil {
		j.State = StateDone
		j.LastError = ""
		j.UpdatedAt = now
		if uerr := r.store.Update(ctx, j); uerr != nil {
			r.logger.Warn("failed to mark job done", "jobId", j.ID, "error", uerr)
			return
		}
		metrics.ConnectorJobsTotal.WithLabelValues("done").Inc()
		return
	}

	j.Attempt++
	j.LastError = err.Error()
	j.UpdatedAt = now

	if j.Attempt > maxRetries {
		j.State = StateFailed
		if uerr := r.store.Update(ctx, j); uerr != nil {
			r.logger.Warn("failed to park exhausted job", "jobId", j.ID, "error", uerr)
			return
		}
		metrics.ConnectorJobsTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("job failed permanently",
			"jobId", j.ID, "type", j.Type, "dispatchId", j.DispatchID,
			"attempts", j.Attempt, "error", err)
		r.executor.Exhausted(ctx, j)
		return
	}

	j.State = StateQueued
	j.NextRunAt = now.Add(backoff(j.Attempt))
	if uerr := r.store.Update(ctx, j); uerr != nil {
		r.logger.Warn("failed to reschedule job", "jobId", j.ID, "error", uerr)
		return
	}
	metrics.ConnectorJobsTotal.WithLabelValues("retried").Inc()
	r.logger.Info("job rescheduled",
		"jobId", j.ID, "type", j.Type, "attempt", j.Attempt,
		"nextRunAt", j.NextRunAt, "error", err)
}

// execute wraps the executor call so a panic becomes a retryable error.
func (r *Runner) execute(ctx context.Context, j *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in job executor: %v", rec)
		}
	}()
	return r.executor.Execute(ctx, j)
}
