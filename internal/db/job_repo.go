package db

import (
	"context"
	"time"

	"devvelocity/internal/types"
)

// JobLockRepository provides cross-instance mutual exclusion for scheduled
// tasks through the job_locks table. A lock row is reclaimable once its
// expires_at has passed, so a crashed worker never blocks a task forever.
type JobLockRepository struct {
	db    DBTX
	clock types.Clock
}

// NewJobLockRepository creates a new JobLockRepository.
func NewJobLockRepository(db DBTX, clock types.Clock) *JobLockRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobLockRepository{db: db, clock: clock}
}

// Acquire takes lockID for workerID until ttl elapses. It reports false
// when another worker holds an unexpired lock.
//
// Timestamps are computed here rather than with SQL interval arithmetic so
// the Go duration never has to be rendered as a Postgres interval.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops a lock held by workerID. Releasing a lock owned by someone
// else, or one that is already gone, is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, lockID, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID, workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// JobRunRepository records scheduled task executions in job_runs.
type JobRunRepository struct {
	db    DBTX
	clock types.Clock
}

// NewJobRunRepository creates a new JobRunRepository.
func NewJobRunRepository(db DBTX, clock types.Clock) *JobRunRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobRunRepository{db: db, clock: clock}
}

// Start inserts a running row and returns its id.
func (r *JobRunRepository) Start(ctx context.Context, task, workerID string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_runs (task, worker_id, started_at, status)
		 VALUES ($1, $2, $3, 'running')
		 RETURNING id`,
		task, workerID, r.clock.Now(),
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job run", err)
	}
	return id, nil
}

// Finish closes a run. A non-nil runErr marks it failed and stores the
// message.
func (r *JobRunRepository) Finish(ctx context.Context, id int64, processed, failed int, runErr error) error {
	status := "succeeded"
	var msg *string
	if runErr != nil {
		status = "failed"
		s := runErr.Error()
		msg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_runs
		 SET finished_at = $2, status = $3, processed = $4, failed = $5, error = $6
		 WHERE id = $1`,
		id, r.clock.Now(), status, processed, failed, msg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job run not found", nil)
	}
	return nil
}
