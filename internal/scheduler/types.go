// Package scheduler runs DevVelocity's periodic jobs: seat overage billing,
// billing cycle rollover, cap alert emails and the daily usage export.
//
// Every trigger (the jobs Lambda, the local cron loop and the internal HTTP
// route) goes through Runner, which serializes runs of the same task per
// hour with a database lock and records each run in job_runs.
package scheduler

import (
	"strings"
	"time"

	"devvelocity/internal/types"
)

// TaskType names a scheduled job.
type TaskType string

const (
	TaskSeatOverage   TaskType = "seat_overage"
	TaskCycleRollover TaskType = "cycle_rollover"
	TaskCapAlerts     TaskType = "cap_alerts"
	TaskUsageExport   TaskType = "usage_export"
)

// AllTasks lists every task in the order the local scheduler registers them.
var AllTasks = []TaskType{TaskSeatOverage, TaskCycleRollover, TaskCapAlerts, TaskUsageExport}

// ParseTask validates a task name.
func ParseTask(raw string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllTasks {
		if t == known {
			return t, nil
		}
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTask,
		"unknown task", nil, map[string]any{"task": raw})
}

// Payload is the event sent by EventBridge or posted to the internal jobs
// route:
//
//	{"task": "cycle_rollover", "reference_time": "2026-03-01T00:00:00Z"}
type Payload struct {
	Task TaskType `json:"task"`
	// ReferenceTime replaces "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Result summarizes one run.
type Result struct {
	Task          TaskType  `json:"task"`
	ReferenceTime time.Time `json:"reference_time"`
	Skipped       bool      `json:"skipped"`
	Processed     int       `json:"processed"`
	Failed        int       `json:"failed"`
	DurationMs    int64     `json:"duration_ms"`
}
