package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// CheckoutOrgStore is the organization access checkout needs.
type CheckoutOrgStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	SetStripeCustomerID(ctx context.Context, id, customerID string) error
}

// StripeGateway is the Stripe surface used by checkout and invoices.
type StripeGateway interface {
	EnsureCustomer(ctx context.Context, orgID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, orgID, customerID string, plan types.PlanID, urls types.RedirectURLs) (string, string, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]*types.Invoice, error)
}

// LemonGateway creates Lemon Squeezy hosted checkouts.
type LemonGateway interface {
	CreateCheckout(ctx context.Context, orgID, email string, plan types.PlanID, urls types.RedirectURLs) (string, error)
}

// Checkout starts provider checkouts and reads billing history.
type Checkout struct {
	orgs       CheckoutOrgStore
	events     EventStore
	stripe     StripeGateway
	lemon      LemonGateway
	appBaseURL string
	logger     *slog.Logger
}

// NewCheckout creates a Checkout. A nil gateway disables that provider.
func NewCheckout(
	orgs CheckoutOrgStore,
	events EventStore,
	stripe StripeGateway,
	lemon LemonGateway,
	appBaseURL string,
	logger *slog.Logger,
) *Checkout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkout{
		orgs:       orgs,
		events:     events,
		stripe:     stripe,
		lemon:      lemon,
		appBaseURL: strings.TrimSuffix(appBaseURL, "/"),
		logger:     logger,
	}
}

// RedirectURLs returns the return targets for a provider checkout. They are
// derived from the configured base URL and never from request input.
func (c *Checkout) RedirectURLs() types.RedirectURLs {
	return types.RedirectURLs{
		Success: c.appBaseURL + "/billing?checkout=success",
		Cancel:  c.appBaseURL + "/billing?checkout=cancel",
	}
}

func purchasable(plan types.PlanID) error {
	if !plans.IsKnown(plan) || plan == types.PlanDeveloper {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q cannot be purchased", plan), nil,
			map[string]any{"plan": plan})
	}
	return nil
}

// StripeURL returns a Stripe Checkout URL for plan. The org's Stripe
// customer is created on first use and stored.
func (c *Checkout) StripeURL(ctx context.Context, orgID, email string, plan types.PlanID) (string, error) {
	if err := purchasable(plan); err != nil {
		return "", err
	}
	if c.stripe == nil {
		return "", types.NewAppError(types.ErrCodeInternalConfig, "stripe is not configured", nil)
	}

	org, err := c.orgs.GetByID(ctx, orgID)
	if err != nil {
		return "", err
	}

	customerID := org.StripeCustomerID
	if customerID == "" {
		customerID, err = c.stripe.EnsureCustomer(ctx, orgID, email)
		if err != nil {
			return "", err
		}
		if err := c.orgs.SetStripeCustomerID(ctx, orgID, customerID); err != nil {
			// The customer is found again by metadata search next time.
			c.logger.WarnContext(ctx, "failed to store stripe customer id",
				"org_id", orgID, "customer_id", customerID, "error", err)
		}
	}

	url, sessionID, err := c.stripe.CreateCheckoutSession(ctx, orgID, customerID, plan, c.RedirectURLs())
	if err != nil {
		return "", err
	}
	c.logger.InfoContext(ctx, "stripe checkout started", "org_id", orgID, "plan", plan, "session_id", sessionID)
	return url, nil
}

// LemonURL returns a Lemon Squeezy checkout URL for plan.
func (c *Checkout) LemonURL(ctx context.Context, orgID, email string, plan types.PlanID) (string, error) {
	if err := purchasable(plan); err != nil {
		return "", err
	}
	if c.lemon == nil {
		return "", types.NewAppError(types.ErrCodeInternalConfig, "lemonsqueezy is not configured", nil)
	}
	return c.lemon.CreateCheckout(ctx, orgID, email, plan, c.RedirectURLs())
}

// Invoices lists the org's Stripe invoices. An org that never checked out
// through Stripe has none.
func (c *Checkout) Invoices(ctx context.Context, orgID string, limit int) ([]*types.Invoice, error) {
	org, err := c.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.StripeCustomerID == "" || c.stripe == nil {
		return []*types.Invoice{}, nil
	}
	return c.stripe.ListInvoices(ctx, org.StripeCustomerID, limit)
}

// Events returns the newest billing ledger entries.
func (c *Checkout) Events(ctx context.Context, orgID string, limit int) ([]*types.BillingEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	events, err := c.events.ListByOrg(ctx, orgID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*types.BillingEvent{}
	}
	return events, nil
}
