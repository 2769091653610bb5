// Package queue provides the SQS producer for transactional email. The API
// and the batch jobs enqueue messages; cmd/email-worker delivers them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"devvelocity/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EmailPublisher implements types.EmailQueue on SQS.
type EmailPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewEmailPublisher creates an EmailPublisher for queueURL.
func NewEmailPublisher(client SQSSender, queueURL string, logger *slog.Logger) *EmailPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue serializes msg and sends it. A message without an ID gets one so
// the worker can use it as the delivery idempotency key.
func (p *EmailPublisher) Enqueue(ctx context.Context, msg types.EmailMessage) error {
	if len(msg.To) == 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField, "email has no recipients", nil)
	}
	if msg.ID == "" {
		msg.ID = types.NewID(types.PrefixEmail)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal EmailMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Kind)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send EmailMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "email message queued",
		"message_id", msg.ID,
		"kind", msg.Kind,
		"org_id", msg.OrganizationID,
		"recipients", len(msg.To),
	)
	return nil
}

// LogQueue is a types.EmailQueue for local runs without SQS. It only logs.
type LogQueue struct {
	Logger *slog.Logger
}

// Enqueue logs msg.
func (q LogQueue) Enqueue(ctx context.Context, msg types.EmailMessage) error {
	logger := q.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email queue disabled; dropping message",
		"kind", msg.Kind, "org_id", msg.OrganizationID, "subject", msg.Subject)
	return nil
}

var (
	_ types.EmailQueue = (*EmailPublisher)(nil)
	_ types.EmailQueue = LogQueue{}
)
