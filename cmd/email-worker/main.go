// Package main is the entrypoint for the email worker Lambda function.
//
// The worker consumes types.EmailMessage records from the email SQS queue
// and delivers them through Resend. Each message is handled independently:
// transient provider failures are reported as batch item failures so SQS
// redelivers only those messages, while malformed or rejected messages are
// acknowledged and counted as failed.
//
// The message ID doubles as the Resend idempotency key, so a redelivered
// message is not sent twice.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/kelseyhightower/envconfig"

	"devvelocity/internal/config"
	"devvelocity/internal/external"
	"devvelocity/internal/types"
)

// workerConfig is the subset of configuration the worker reads. The full
// config.Config requires database settings the worker has no use for.
type workerConfig struct {
	Environment string `envconfig:"APP_ENV" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Email config.EmailConfig
	AWS   config.AWSConfig
}

func loadWorkerConfig() (workerConfig, error) {
	var wc workerConfig
	if err := config.ResolveSecrets(config.NewSSMProvider(regionFromEnv())); err != nil {
		return wc, err
	}
	if err := envconfig.Process("", &wc); err != nil {
		return wc, fmt.Errorf("processing environment: %w", err)
	}
	if wc.Email.ResendAPIKey == "" {
		return wc, errors.New("RESEND_API_KEY is required")
	}
	return wc, nil
}

func main() {
	wc, err := loadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, wc.LogLevel).With("component", "email-worker")
	slog.SetDefault(logger)

	awsCfg, err := wc.AWS.LoadAWS(context.Background())
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	h := &Handler{
		sender: external.NewResendClient(external.NewHTTPClient(), external.ResendConfig{
			APIKey: wc.Email.ResendAPIKey.Unmask(),
			From:   wc.Email.From,
			Logger: logger,
		}),
		metrics: newEmailMetrics(cloudwatch.NewFromConfig(awsCfg), logger),
		logger:  logger,
	}
	logger.Info("email worker starting", "environment", wc.Environment)
	lambda.Start(h.Handle)
}

// EmailSender is satisfied by *external.ResendClient.
type EmailSender interface {
	Send(ctx context.Context, msg types.EmailMessage) (string, error)
}

// DeliveryMetrics records the outcome of each message.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, kind types.EmailKind, sent bool)
}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	sender  EmailSender
	metrics DeliveryMetrics
	logger  *slog.Logger
}

// Handle processes an SQS batch using partial batch responses.
func (h *Handler) Handle(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range evt.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "email delivery failed, will retry",
				"message_id", record.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

// processMessage returns an error only when the message should be retried.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.EmailMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// A body that does not parse never will; acknowledge it.
		h.logger.ErrorContext(ctx, "dropping malformed email message",
			"message_id", record.MessageId, "error", err)
		h.metrics.RecordDelivery(ctx, kindFromAttributes(record), false)
		return nil
	}
	if msg.ID == "" {
		// Redeliveries of the same SQS message keep the same idempotency key.
		msg.ID = record.MessageId
	}

	logger := h.logger.With("email_id", msg.ID, "kind", msg.Kind, "org_id", msg.OrganizationID)

	providerID, err := h.sender.Send(ctx, msg)
	if err != nil {
		h.metrics.RecordDelivery(ctx, msg.Kind, false)
		if retryable(err) {
			return err
		}
		logger.WarnContext(ctx, "email rejected, not retrying", "error", err)
		return nil
	}

	h.metrics.RecordDelivery(ctx, msg.Kind, true)
	logger.InfoContext(ctx, "email delivered", "provider_id", providerID, "recipients", len(msg.To))
	return nil
}

// retryable reports whether a send failure may succeed on redelivery:
// transport errors, 429s and 5xx responses. Validation errors and other 4xx
// responses are permanent.
func retryable(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return true
	}
	if strings.HasPrefix(string(appErr.Code), "validation_") {
		return false
	}
	status, ok := appErr.Details["status"].(int)
	if !ok {
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func kindFromAttributes(record events.SQSMessage) types.EmailKind {
	if attr, ok := record.MessageAttributes["kind"]; ok && attr.StringValue != nil {
		return types.EmailKind(*attr.StringValue)
	}
	return "unknown"
}

// CloudWatchClient abstracts PutMetricData for tests.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// emailMetrics publishes EmailSent or EmailFailed with a Kind dimension.
type emailMetrics struct {
	client CloudWatchClient
	logger *slog.Logger
}

func newEmailMetrics(client CloudWatchClient, logger *slog.Logger) *emailMetrics {
	return &emailMetrics{client: client, logger: logger}
}

func (m *emailMetrics) RecordDelivery(ctx context.Context, kind types.EmailKind, sent bool) {
	name := types.MetricEmailFailed
	if sent {
		name = types.MetricEmailSent
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(types.MetricNamespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(time.Now().UTC()),
			Dimensions: []cwtypes.Dimension{{
				Name:  aws.String(types.DimEmailKind),
				Value: aws.String(string(kind)),
			}},
		}},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish email metric", "metric", name, "error", err)
	}
}

func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}
