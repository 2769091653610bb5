package scheduler

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"devvelocity/internal/types"
)

// CloudWatchClient abstracts PutMetricData for tests.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ JobMetrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes JobProcessed, JobFailed and JobDurationMs,
// each with a Task dimension, in a single PutMetricData call per run.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics.
func NewCloudWatchMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: types.MetricNamespace, logger: logger}
}

// RecordRun publishes the run's metrics. A run that returned an error with
// no per-item failures counts as one failure. Publishing errors are logged.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, res Result, runErr error) {
	failed := res.Failed
	if runErr != nil && failed == 0 {
		failed = 1
	}
	dims := []cwtypes.Dimension{{
		Name:  aws.String(types.DimTask),
		Value: aws.String(string(res.Task)),
	}}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricJobProcessed),
				Value:      aws.Float64(float64(res.Processed)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String(types.MetricJobFailed),
				Value:      aws.Float64(float64(failed)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String(types.MetricJobDurationMs),
				Value:      aws.Float64(float64(res.DurationMs)),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish job metrics",
			"task", string(res.Task), "error", err)
	}
}
