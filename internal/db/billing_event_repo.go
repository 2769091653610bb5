package db

import (
	"context"

	"devvelocity/internal/types"
)

// BillingEventRepository provides append-only access to billing_events.
type BillingEventRepository struct {
	db DBTX
}

// NewBillingEventRepository creates a new BillingEventRepository.
func NewBillingEventRepository(db DBTX) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

// Append inserts one billing event.
func (r *BillingEventRepository) Append(ctx context.Context, e *types.BillingEvent) error {
	currency := e.Currency
	if currency == "" {
		currency = "usd"
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_events (id, organization_id, type, provider, amount_cents,
		 currency, description, external_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID,
		e.OrganizationID,
		e.Type,
		e.Provider,
		e.AmountCents,
		currency,
		e.Description,
		nilIfEmpty(e.ExternalID),
		e.Metadata,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append billing event", err)
	}
	return nil
}

// ListByOrg returns the newest billing events for an organization.
func (r *BillingEventRepository) ListByOrg(ctx context.Context, orgID string, limit int) ([]*types.BillingEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, organization_id, type, provider, amount_cents, currency,
		        description, external_id, metadata, created_at
		 FROM billing_events
		 WHERE organization_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billing events", err)
	}
	defer rows.Close()

	var out []*types.BillingEvent
	for rows.Next() {
		var e types.BillingEvent
		var externalID *string
		if err := rows.Scan(
			&e.ID,
			&e.OrganizationID,
			&e.Type,
			&e.Provider,
			&e.AmountCents,
			&e.Currency,
			&e.Description,
			&externalID,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing event", err)
		}
		e.ExternalID = derefString(externalID)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating billing events", err)
	}
	return out, nil
}
