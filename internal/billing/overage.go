// Package billing holds the billing domain logic: the seat overage batch,
// provider checkout and the subscription sync driven by webhooks.
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"devvelocity/internal/db"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

const seatUsagePageSize = 200

// SeatUsageSource pages through organizations with their active seat counts.
type SeatUsageSource interface {
	ListSeatUsage(ctx context.Context, afterID string, limit int) ([]db.SeatUsage, error)
	AddPendingOverage(ctx context.Context, id string, cents int64) (int64, error)
}

// EventStore appends to and reads the billing ledger.
type EventStore interface {
	Append(ctx context.Context, e *types.BillingEvent) error
	ListByOrg(ctx context.Context, orgID string, limit int) ([]*types.BillingEvent, error)
}

// InvoiceItemCreator pushes a pending charge to the payment provider.
type InvoiceItemCreator interface {
	CreateInvoiceItem(ctx context.Context, customerID string, amountCents int64, description, idempotencyKey string) (string, error)
}

// BatchResult summarizes one seat overage run.
type BatchResult struct {
	Processed  int   `json:"processed"`
	Billed     int   `json:"billed"`
	Failed     int   `json:"failed"`
	TotalCents int64 `json:"total_cents"`
}

// SeatOverageCents is the charge for seats above the plan's included
// seats. Unlimited plans never incur overage.
func SeatOverageCents(p plans.Plan, activeSeats int) int64 {
	if p.Caps.SeatsIncluded < 0 {
		return 0
	}
	extra := int64(activeSeats) - p.Caps.SeatsIncluded
	if extra <= 0 {
		return 0
	}
	return extra * p.SeatPriceCents
}

// SeatOverage bills active seats beyond each plan's allowance.
type SeatOverage struct {
	orgs     SeatUsageSource
	events   EventStore
	invoices InvoiceItemCreator
	catalog  *plans.Catalog
	clock    types.Clock
	logger   *slog.Logger
}

// NewSeatOverage creates the batch. invoices may be nil, in which case only
// the internal ledger is written.
func NewSeatOverage(
	orgs SeatUsageSource,
	events EventStore,
	invoices InvoiceItemCreator,
	catalog *plans.Catalog,
	clock types.Clock,
	logger *slog.Logger,
) *SeatOverage {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SeatOverage{
		orgs:     orgs,
		events:   events,
		invoices: invoices,
		catalog:  catalog,
		clock:    clock,
		logger:   logger,
	}
}

// Run walks every organization. A failure for one org is logged and counted;
// orgs billed earlier in the run stay billed. Only a failure to list orgs
// aborts the run.
func (s *SeatOverage) Run(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	period := s.clock.Now().Format("2006-01")

	afterID := ""
	for {
		page, err := s.orgs.ListSeatUsage(ctx, afterID, seatUsagePageSize)
		if err != nil {
			return res, err
		}
		for _, su := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Processed++

			cents, err := s.billOrg(ctx, su, period)
			if err != nil {
				res.Failed++
				s.logger.ErrorContext(ctx, "seat overage failed",
					"org_id", su.OrganizationID, "error", err)
				continue
			}
			if cents > 0 {
				res.Billed++
				res.TotalCents += cents
			}
		}
		if len(page) < seatUsagePageSize {
			break
		}
		afterID = page[len(page)-1].OrganizationID
	}

	s.logger.InfoContext(ctx, "seat overage run complete",
		"processed", res.Processed, "billed", res.Billed,
		"failed", res.Failed, "total_cents", res.TotalCents)
	return res, nil
}

func (s *SeatOverage) billOrg(ctx context.Context, su db.SeatUsage, period string) (int64, error) {
	p := s.catalog.Get(su.PlanID)
	cents := SeatOverageCents(p, su.ActiveSeats)
	if cents == 0 {
		return 0, nil
	}

	extra := int64(su.ActiveSeats) - p.Caps.SeatsIncluded
	desc := fmt.Sprintf("%d additional seat(s) on the %s plan (%s)", extra, p.Name, period)

	err := s.events.Append(ctx, &types.BillingEvent{
		ID:             types.NewID(types.PrefixBillingEvent),
		OrganizationID: su.OrganizationID,
		Type:           types.BillingEventSeatOverage,
		Provider:       types.ProviderInternal,
		AmountCents:    cents,
		Currency:       "usd",
		Description:    desc,
		Metadata: types.EventMetadata{
			"active_seats":   su.ActiveSeats,
			"seats_included": p.Caps.SeatsIncluded,
			"period":         period,
		},
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.orgs.AddPendingOverage(ctx, su.OrganizationID, cents); err != nil {
		return 0, err
	}

	if s.invoices != nil && su.StripeCustomerID != "" {
		key := fmt.Sprintf("overage-%s-%s", su.OrganizationID, period)
		if _, err := s.invoices.CreateInvoiceItem(ctx, su.StripeCustomerID, cents, desc, key); err != nil {
			s.logger.WarnContext(ctx, "failed to create stripe invoice item for seat overage",
				"org_id", su.OrganizationID, "amount_cents", cents, "error", err)
		}
	}
	return cents, nil
}
