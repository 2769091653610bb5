package external

import (
	"context"

	"devvelocity/internal/types"
)

// WebhookVerifier checks a provider webhook signature against the raw body.
type WebhookVerifier interface {
	Verify(payload []byte, signature string, secret string) error
}

// EmailSender transmits a transactional email and returns the provider
// message id.
type EmailSender interface {
	Send(ctx context.Context, msg types.EmailMessage) (string, error)
}

// PlanGenerator produces an AI infrastructure plan.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (string, error)
	Model() string
}

var (
	_ WebhookVerifier = StripeVerifier{}
	_ WebhookVerifier = LemonVerifier{}
	_ EmailSender     = (*ResendClient)(nil)
	_ PlanGenerator   = (*OpenAIClient)(nil)
)
