package types

// CloudWatch metric names and dimensions. Prometheus series are defined in
// internal/metrics; these cover the Lambda-hosted workers.
const (
	MetricNamespace = "DevVelocity"

	MetricJobProcessed  = "JobProcessed"
	MetricJobFailed     = "JobFailed"
	MetricJobDurationMs = "JobDurationMs"

	MetricEmailSent   = "EmailSent"
	MetricEmailFailed = "EmailFailed"

	DimTask      = "Task"
	DimEmailKind = "Kind"
)
