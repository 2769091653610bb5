package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/billing"
	"devvelocity/internal/core"
	"devvelocity/internal/external"
	"devvelocity/internal/types"
)

// maxWebhookBodySize bounds provider payloads. Both providers send well
// under this.
const maxWebhookBodySize = 64 * 1024

// SubscriptionSync applies provider events to local billing state.
type SubscriptionSync interface {
	ApplyPlanChange(ctx context.Context, ch billing.PlanChange) error
	RecordInvoicePaid(ctx context.Context, p billing.Payment) error
	RecordOrderPaid(ctx context.Context, p billing.Payment) error
}

var _ SubscriptionSync = (*billing.Sync)(nil)

// CustomerLookup resolves a Stripe customer to its organization when an
// object carries no org_id metadata.
type CustomerLookup interface {
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error)
}

// WebhookConfig holds a provider's signing secret and plan mapping.
type WebhookConfig struct {
	Secret string
	Plans  external.PriceMap
}

// WebhookHandler receives Stripe and Lemon Squeezy events. It is not
// behind auth; each request is verified against the provider signature.
// Once verified, an event is always acknowledged with 200 and processing
// failures are only logged, so providers do not retry forever.
type WebhookHandler struct {
	sync      SubscriptionSync
	customers CustomerLookup

	stripeVerifier external.WebhookVerifier
	stripe         WebhookConfig
	lemonVerifier  external.WebhookVerifier
	lemon          WebhookConfig

	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(
	sync SubscriptionSync,
	customers CustomerLookup,
	stripeVerifier external.WebhookVerifier,
	stripe WebhookConfig,
	lemonVerifier external.WebhookVerifier,
	lemon WebhookConfig,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		sync:           sync,
		customers:      customers,
		stripeVerifier: stripeVerifier,
		stripe:         stripe,
		lemonVerifier:  lemonVerifier,
		lemon:          lemon,
		logger:         logger,
	}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Stripe)
	r.Post("/webhooks/lemonsqueezy", h.LemonSqueezy)
}

// readVerified reads the body and checks its signature. It writes the
// error response and returns false on failure.
func (h *WebhookHandler) readVerified(w http.ResponseWriter, r *http.Request, v external.WebhookVerifier, header, secret string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return nil, false
	}

	sig := r.Header.Get(header)
	if sig == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "missing "+header+" header", nil))
		return nil, false
	}
	if secret == "" {
		h.logger.ErrorContext(r.Context(), "webhook secret is not configured", "header", header)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalConfig, "webhook is not configured", nil))
		return nil, false
	}
	if err := v.Verify(payload, sig, secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "header", header, "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "webhook signature verification failed", err))
		return nil, false
	}
	return payload, true
}

// Stripe handles POST /v1/webhooks/stripe.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readVerified(w, r, h.stripeVerifier, "Stripe-Signature", h.stripe.Secret)
	if !ok {
		return
	}

	evt, err := external.ParseStripeEvent(payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "unparseable stripe event", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event", "event_id", evt.ID, "event_type", evt.Type)
	if err := h.routeStripe(r.Context(), evt); err != nil {
		h.logger.ErrorContext(r.Context(), "stripe webhook processing failed",
			"event_id", evt.ID, "event_type", evt.Type, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) routeStripe(ctx context.Context, evt *external.StripeEvent) error {
	switch evt.Type {
	case external.EventStripeInvoicePaymentSucceeded:
		inv, err := external.DecodeStripeObject[external.StripeInvoiceEvent](evt)
		if err != nil {
			return err
		}
		orgID, err := h.stripeOrg(ctx, inv.OrgID(), inv.Customer)
		if err != nil {
			return err
		}
		return h.sync.RecordInvoicePaid(ctx, billing.Payment{
			OrgID:       orgID,
			Provider:    types.ProviderStripe,
			ExternalID:  inv.ID,
			AmountCents: inv.AmountPaid,
			Currency:    inv.Currency,
		})

	case external.EventStripeSubCreated, external.EventStripeSubUpdated, external.EventStripeSubDeleted:
		sub, err := external.DecodeStripeObject[external.StripeSubscription](evt)
		if err != nil {
			return err
		}
		orgID, err := h.stripeOrg(ctx, sub.Metadata["org_id"], sub.Customer)
		if err != nil {
			return err
		}
		ch := billing.PlanChange{
			OrgID:                orgID,
			Status:               external.MapStripeStatus(sub.Status),
			Provider:             types.ProviderStripe,
			StripeSubscriptionID: sub.ID,
			ExternalID:           evt.ID,
		}
		if len(sub.Items.Data) > 0 {
			ch.SeatCount = sub.Items.Data[0].Quantity
		}
		if evt.Type == external.EventStripeSubDeleted {
			ch.Canceled = true
			ch.Status = types.SubStatusCanceled
			return h.sync.ApplyPlanChange(ctx, ch)
		}
		plan, ok := h.stripe.Plans.PlanFor(sub.PriceID())
		if !ok {
			return fmt.Errorf("stripe price %q is not mapped to a plan", sub.PriceID())
		}
		ch.Plan = plan
		return h.sync.ApplyPlanChange(ctx, ch)

	default:
		h.logger.DebugContext(ctx, "ignoring stripe event", "event_type", evt.Type)
		return nil
	}
}

// stripeOrg prefers org_id metadata and falls back to the customer link.
func (h *WebhookHandler) stripeOrg(ctx context.Context, orgID, customerID string) (string, error) {
	if orgID != "" {
		return orgID, nil
	}
	if customerID == "" || h.customers == nil {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "event has no org_id or customer", nil)
	}
	org, err := h.customers.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		return "", err
	}
	return org.ID, nil
}

// LemonSqueezy handles POST /v1/webhooks/lemonsqueezy.
func (h *WebhookHandler) LemonSqueezy(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readVerified(w, r, h.lemonVerifier, "X-Signature", h.lemon.Secret)
	if !ok {
		return
	}

	evt, err := external.ParseLemonEvent(payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "unparseable lemonsqueezy event", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	name := evt.Meta.EventName
	h.logger.InfoContext(r.Context(), "processing lemonsqueezy webhook event", "event_type", name, "object_id", evt.Data.ID)
	if err := h.routeLemon(r.Context(), evt); err != nil {
		h.logger.ErrorContext(r.Context(), "lemonsqueezy webhook processing failed",
			"event_type", name, "object_id", evt.Data.ID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) routeLemon(ctx context.Context, evt *external.LemonEvent) error {
	attrs := evt.Data.Attributes
	switch evt.Meta.EventName {
	case external.EventLemonSubCreated, external.EventLemonSubUpdated:
		plan, ok := h.lemon.Plans.PlanFor(evt.VariantID())
		if !ok {
			return fmt.Errorf("lemonsqueezy variant %q is not mapped to a plan", evt.VariantID())
		}
		return h.sync.ApplyPlanChange(ctx, billing.PlanChange{
			OrgID:               evt.OrgID(),
			Plan:                plan,
			Status:              external.MapLemonStatus(attrs.Status),
			Provider:            types.ProviderLemonSqueezy,
			LemonSubscriptionID: evt.Data.ID,
			ExternalID:          evt.Data.ID,
		})

	case external.EventLemonSubExpired:
		return h.sync.ApplyPlanChange(ctx, billing.PlanChange{
			OrgID:               evt.OrgID(),
			Status:              types.SubStatusExpired,
			Provider:            types.ProviderLemonSqueezy,
			LemonSubscriptionID: evt.Data.ID,
			ExternalID:          evt.Data.ID,
			Canceled:            true,
		})

	case external.EventLemonOrderPaid:
		return h.sync.RecordOrderPaid(ctx, billing.Payment{
			OrgID:       evt.OrgID(),
			Provider:    types.ProviderLemonSqueezy,
			ExternalID:  evt.Data.ID,
			AmountCents: attrs.Total,
			Currency:    attrs.Currency,
		})

	default:
		h.logger.DebugContext(ctx, "ignoring lemonsqueezy event", "event_type", evt.Meta.EventName)
		return nil
	}
}
