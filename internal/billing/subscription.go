package billing

import (
	"context"
	"fmt"
	"log/slog"

	"devvelocity/internal/db"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// SubscriptionOrgStore is the organization access the webhook sync needs.
type SubscriptionOrgStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	UpdateSubscription(ctx context.Context, id string, u db.SubscriptionUpdate) error
	ClearPendingOverage(ctx context.Context, id string) error
}

// MemberLister lists an organization's members.
type MemberLister interface {
	List(ctx context.Context, orgID string) ([]*types.Member, error)
}

// PlanInvalidator drops cached plan lookups for an organization.
type PlanInvalidator interface {
	Invalidate(ctx context.Context, orgID string) error
}

// PlanChange is a provider-reported subscription state.
type PlanChange struct {
	OrgID                string
	Plan                 types.PlanID
	Status               types.SubscriptionStatus
	Provider             types.BillingProvider
	StripeSubscriptionID string
	LemonSubscriptionID  string
	SeatCount            int
	ExternalID           string
	Canceled             bool
}

// Payment is a provider-reported payment.
type Payment struct {
	OrgID       string
	Provider    types.BillingProvider
	ExternalID  string
	AmountCents int64
	Currency    string
}

// Sync applies webhook outcomes to organizations and the billing ledger.
type Sync struct {
	orgs    SubscriptionOrgStore
	events  EventStore
	members MemberLister
	cache   PlanInvalidator
	emails  types.EmailQueue
	catalog *plans.Catalog
	clock   types.Clock
	logger  *slog.Logger
}

// SyncDeps groups the collaborators of Sync. Cache, Emails and Members are
// optional.
type SyncDeps struct {
	Orgs    SubscriptionOrgStore
	Events  EventStore
	Members MemberLister
	Cache   PlanInvalidator
	Emails  types.EmailQueue
	Catalog *plans.Catalog
	Clock   types.Clock
	Logger  *slog.Logger
}

// NewSync creates a Sync.
func NewSync(d SyncDeps) *Sync {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	return &Sync{
		orgs:    d.Orgs,
		events:  d.Events,
		members: d.Members,
		cache:   d.Cache,
		emails:  d.Emails,
		catalog: d.Catalog,
		clock:   d.Clock,
		logger:  d.Logger,
	}
}

// ApplyPlanChange writes the new plan and subscription state. A canceled
// subscription drops the org to the developer plan.
func (s *Sync) ApplyPlanChange(ctx context.Context, ch PlanChange) error {
	if ch.OrgID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subscription event has no org_id", nil)
	}

	org, err := s.orgs.GetByID(ctx, ch.OrgID)
	if err != nil {
		return err
	}

	plan := plans.Normalize(ch.Plan)
	evtType := types.BillingEventSubscriptionChanged
	if ch.Canceled {
		plan = types.PlanDeveloper
		evtType = types.BillingEventSubscriptionCanceled
	}

	err = s.orgs.UpdateSubscription(ctx, ch.OrgID, db.SubscriptionUpdate{
		PlanID:               plan,
		Status:               ch.Status,
		StripeSubscriptionID: ch.StripeSubscriptionID,
		LemonSubscriptionID:  ch.LemonSubscriptionID,
		SeatCount:            ch.SeatCount,
	})
	if err != nil {
		return err
	}

	err = s.events.Append(ctx, &types.BillingEvent{
		ID:             types.NewID(types.PrefixBillingEvent),
		OrganizationID: ch.OrgID,
		Type:           evtType,
		Provider:       ch.Provider,
		Currency:       "usd",
		Description:    fmt.Sprintf("plan %s -> %s (%s)", org.PlanID, plan, ch.Status),
		ExternalID:     ch.ExternalID,
		Metadata: types.EventMetadata{
			"previous_plan": org.PlanID,
			"plan":          plan,
			"status":        ch.Status,
		},
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, ch.OrgID)

	if org.PlanID != plan {
		s.logger.InfoContext(ctx, "organization plan changed",
			"org_id", ch.OrgID, "from", org.PlanID, "to", plan, "provider", ch.Provider)
		s.notifyPlanChanged(ctx, org, plan)
	}
	return nil
}

// RecordInvoicePaid appends invoice_paid and clears the pending overage the
// invoice settled.
func (s *Sync) RecordInvoicePaid(ctx context.Context, p Payment) error {
	if err := s.appendPayment(ctx, types.BillingEventInvoicePaid, p); err != nil {
		return err
	}
	return s.orgs.ClearPendingOverage(ctx, p.OrgID)
}

// RecordOrderPaid appends order_paid.
func (s *Sync) RecordOrderPaid(ctx context.Context, p Payment) error {
	return s.appendPayment(ctx, types.BillingEventOrderPaid, p)
}

func (s *Sync) appendPayment(ctx context.Context, typ types.BillingEventType, p Payment) error {
	if p.OrgID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "payment event has no org_id", nil)
	}
	return s.events.Append(ctx, &types.BillingEvent{
		ID:             types.NewID(types.PrefixBillingEvent),
		OrganizationID: p.OrgID,
		Type:           typ,
		Provider:       p.Provider,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Description:    string(typ),
		ExternalID:     p.ExternalID,
		CreatedAt:      s.clock.Now(),
	})
}

func (s *Sync) invalidate(ctx context.Context, orgID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, orgID); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate plan cache", "org_id", orgID, "error", err)
	}
}

// notifyPlanChanged emails owners and admins. Failures are logged only.
func (s *Sync) notifyPlanChanged(ctx context.Context, org *types.Organization, plan types.PlanID) {
	if s.emails == nil || s.members == nil {
		return
	}
	members, err := s.members.List(ctx, org.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list members for plan change email", "org_id", org.ID, "error", err)
		return
	}

	var to []string
	for _, m := range members {
		if m.Status == types.MemberStatusActive && types.RoleAtLeast(m.Role, types.RoleAdmin) {
			to = append(to, m.Email)
		}
	}
	if len(to) == 0 {
		return
	}

	name := s.catalog.Get(plan).Name
	msg := types.EmailMessage{
		ID:             types.NewID(types.PrefixEmail),
		Kind:           types.EmailKindPlanChanged,
		OrganizationID: org.ID,
		To:             to,
		Subject:        fmt.Sprintf("%s is now on the %s plan", org.Name, name),
		Text: fmt.Sprintf("The subscription for %s changed from %s to %s.\n",
			org.Name, org.PlanID, plan),
	}
	if err := s.emails.Enqueue(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to enqueue plan change email", "org_id", org.ID, "error", err)
	}
}
