package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"devvelocity/internal/types"
)

// DefaultLockTTL covers the longest expected run with margin.
const DefaultLockTTL = 15 * time.Minute

// JobLocker is satisfied by *db.JobLockRepository.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian is satisfied by *db.JobRunRepository.
type JobHistorian interface {
	Start(ctx context.Context, task, workerID string) (int64, error)
	Finish(ctx context.Context, id int64, processed, failed int, runErr error) error
}

// JobMetrics publishes per-run metrics.
type JobMetrics interface {
	RecordRun(ctx context.Context, res Result, runErr error)
}

// RunnerDeps wires a Runner. Metrics may be nil.
type RunnerDeps struct {
	Jobs     map[TaskType]Job
	Locks    JobLocker
	History  JobHistorian
	Metrics  JobMetrics
	WorkerID string
	LockTTL  time.Duration
	Clock    types.Clock
	Logger   *slog.Logger
}

// Runner executes tasks under an hourly lock and records their history.
type Runner struct {
	jobs     map[TaskType]Job
	locks    JobLocker
	history  JobHistorian
	metrics  JobMetrics
	workerID string
	lockTTL  time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(d RunnerDeps) *Runner {
	r := &Runner{
		jobs:     d.Jobs,
		locks:    d.Locks,
		history:  d.History,
		metrics:  d.Metrics,
		workerID: d.WorkerID,
		lockTTL:  d.LockTTL,
		clock:    d.Clock,
		logger:   d.Logger,
	}
	if r.lockTTL <= 0 {
		r.lockTTL = DefaultLockTTL
	}
	if r.clock == nil {
		r.clock = types.RealClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// LockID is the mutual exclusion key for task at now: one run per task per
// UTC hour.
func LockID(task TaskType, now time.Time) string {
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

// Run executes p.Task. A run that loses the lock returns a skipped Result
// and no error.
//
// A run that fails or panics releases its lock so a retry for the same hour
// can proceed. A successful run keeps the lock until the TTL, which skips a
// duplicate delivery of the same schedule tick.
func (r *Runner) Run(ctx context.Context, p Payload) (Result, error) {
	task, err := ParseTask(string(p.Task))
	if err != nil {
		return Result{Task: p.Task}, err
	}
	job, ok := r.jobs[task]
	if !ok {
		return Result{Task: task}, types.NewAppError(types.ErrCodeInternalConfig,
			fmt.Sprintf("task %s is not configured", task), nil)
	}

	now := r.clock.Now().UTC()
	if p.ReferenceTime != nil {
		now = p.ReferenceTime.UTC()
	}
	res := Result{Task: task, ReferenceTime: now}
	logger := r.logger.With("task", string(task), "worker_id", r.workerID)

	lockID := LockID(task, now)
	acquired, err := r.locks.Acquire(ctx, lockID, r.workerID, r.lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
		return res, err
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker, skipping", "lock_id", lockID)
		res.Skipped = true
		return res, nil
	}
	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if err := r.locks.Release(context.WithoutCancel(ctx), lockID, r.workerID); err != nil {
			logger.ErrorContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	// History is best effort; a failed Start leaves runID at 0 and the run
	// proceeds untracked.
	runID, err := r.history.Start(ctx, string(task), r.workerID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record job start", "error", err)
		runID = 0
	}

	started := r.clock.Now()
	counts, runErr := job.Run(ctx, now)
	res.Processed = counts.Processed
	res.Failed = counts.Failed
	res.DurationMs = r.clock.Now().Sub(started).Milliseconds()

	if runID != 0 {
		if err := r.history.Finish(ctx, runID, res.Processed, res.Failed, runErr); err != nil {
			logger.ErrorContext(ctx, "failed to record job finish", "run_id", runID, "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordRun(ctx, res, runErr)
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "job failed",
			"processed", res.Processed, "failed", res.Failed, "error", runErr)
		return res, fmt.Errorf("task %s: %w", task, runErr)
	}
	succeeded = true
	logger.InfoContext(ctx, "job complete",
		"processed", res.Processed, "failed", res.Failed, "duration_ms", res.DurationMs)
	return res, nil
}
