package usage

import (
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// Metered counter names reported by CheckCaps.
const (
	MetricBuildMinutes = "build_minutes"
	MetricPipelineRuns = "pipeline_runs"
	MetricAPICalls     = "api_calls"
)

// CapStatus compares one metered counter to its plan cap. Limit is -1 for
// unlimited, in which case Exceeded is always false.
type CapStatus struct {
	Metric   string `json:"metric"`
	Used     int64  `json:"used"`
	Limit    int64  `json:"limit"`
	Exceeded bool   `json:"exceeded"`
	Overage  int64  `json:"overage"`
}

// CheckCaps reports, per capped counter, how totals compare to the plan.
func CheckCaps(p plans.Plan, totals types.UsageCounters) []CapStatus {
	return []CapStatus{
		capStatus(MetricBuildMinutes, totals.BuildMinutes, p.Caps.BuildMinutes),
		capStatus(MetricPipelineRuns, totals.PipelineRuns, p.Caps.PipelineRuns),
		capStatus(MetricAPICalls, totals.APICalls, p.Caps.APICalls),
	}
}

func capStatus(metric string, used, limit int64) CapStatus {
	cs := CapStatus{Metric: metric, Used: used, Limit: limit}
	if limit >= 0 && used > limit {
		cs.Exceeded = true
		cs.Overage = used - limit
	}
	return cs
}

// AnyExceeded reports whether any status is over its cap.
func AnyExceeded(statuses []CapStatus) bool {
	for _, s := range statuses {
		if s.Exceeded {
			return true
		}
	}
	return false
}
