package db

import (
	"context"
	"time"

	"devvelocity/internal/types"
)

// UsageLogRepository provides append and aggregate access to usage_logs.
// Rows are never updated or deleted.
type UsageLogRepository struct {
	db DBTX
}

// NewUsageLogRepository creates a new UsageLogRepository.
func NewUsageLogRepository(db DBTX) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

// Append inserts one usage row. CreatedAt defaults to NOW() when zero.
func (r *UsageLogRepository) Append(ctx context.Context, e *types.UsageLogEntry) error {
	c := e.Counters
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_logs (id, organization_id, build_minutes, pipeline_runs, api_calls,
		 files_uploaded, files_deleted, files_restored, is_cycle_reset, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))`,
		e.ID,
		e.OrganizationID,
		c.BuildMinutes,
		c.PipelineRuns,
		c.APICalls,
		c.FilesUploaded,
		c.FilesDeleted,
		c.FilesRestored,
		e.IsCycleReset,
		e.Source,
		nilIfZeroTime(e.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append usage log", err)
	}
	return nil
}

// Sum totals every counter for rows with start <= created_at < end. An empty
// window yields zero totals, never NULL.
func (r *UsageLogRepository) Sum(ctx context.Context, orgID string, start, end time.Time) (types.UsageCounters, error) {
	var c types.UsageCounters
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(build_minutes), 0),
		        COALESCE(SUM(pipeline_runs), 0),
		        COALESCE(SUM(api_calls), 0),
		        COALESCE(SUM(files_uploaded), 0),
		        COALESCE(SUM(files_deleted), 0),
		        COALESCE(SUM(files_restored), 0)
		 FROM usage_logs
		 WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3`,
		orgID, start, end,
	).Scan(
		&c.BuildMinutes,
		&c.PipelineRuns,
		&c.APICalls,
		&c.FilesUploaded,
		&c.FilesDeleted,
		&c.FilesRestored,
	)
	if err != nil {
		return types.UsageCounters{}, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate usage", err)
	}
	return c, nil
}

// ForEachInRange streams every usage row with start <= created_at < end in
// creation order. Iteration stops at the first error returned by fn.
func (r *UsageLogRepository) ForEachInRange(ctx context.Context, start, end time.Time, fn func(types.UsageLogEntry) error) error {
	rows, err := r.db.Query(ctx,
		`SELECT id, organization_id, build_minutes, pipeline_runs, api_calls,
		        files_uploaded, files_deleted, files_restored, is_cycle_reset, source, created_at
		 FROM usage_logs
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at, id`,
		start, end,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to query usage logs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.UsageLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.OrganizationID,
			&e.Counters.BuildMinutes,
			&e.Counters.PipelineRuns,
			&e.Counters.APICalls,
			&e.Counters.FilesUploaded,
			&e.Counters.FilesDeleted,
			&e.Counters.FilesRestored,
			&e.IsCycleReset,
			&e.Source,
			&e.CreatedAt,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage log", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "error iterating usage logs", err)
	}
	return nil
}
