package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"devvelocity/internal/types"
)

// OrganizationRepository provides data access for the organizations table.
type OrganizationRepository struct {
	db DBTX
}

// NewOrganizationRepository creates a new OrganizationRepository backed by the
// given database connection (pool or transaction).
func NewOrganizationRepository(db DBTX) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// orgColumns is the column list shared by every organization query.
const orgColumns = `o.id, o.name, o.owner_user_id, o.plan_id, o.seat_count,
	o.billing_cycle_start, o.billing_cycle_end, o.pending_overage_cents, o.sso_config,
	o.stripe_customer_id, o.stripe_subscription_id, o.lemon_subscription_id,
	o.subscription_status, o.created_at, o.updated_at`

// scanOrg scans a single organization row in orgColumns order.
func scanOrg(row pgx.Row) (*types.Organization, error) {
	var org types.Organization
	var sso *types.SSOConfig
	var stripeCustomerID, stripeSubID, lemonSubID *string

	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.OwnerUserID,
		&org.PlanID,
		&org.SeatCount,
		&org.BillingCycleStart,
		&org.BillingCycleEnd,
		&org.PendingOverageCents,
		&sso,
		&stripeCustomerID,
		&stripeSubID,
		&lemonSubID,
		&org.SubscriptionStatus,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sso != nil && sso.Protocol != "" {
		org.SSOConfig = sso
	}
	org.StripeCustomerID = derefString(stripeCustomerID)
	org.StripeSubscriptionID = derefString(stripeSubID)
	org.LemonSubscriptionID = derefString(lemonSubID)
	return &org, nil
}

// Create inserts a new organization. The caller sets the ID and the initial
// billing cycle.
func (r *OrganizationRepository) Create(ctx context.Context, org *types.Organization) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO organizations (id, name, owner_user_id, plan_id, seat_count,
		 billing_cycle_start, billing_cycle_end, subscription_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), COALESCE($9, NOW()))`,
		org.ID,
		org.Name,
		org.OwnerUserID,
		org.PlanID,
		org.SeatCount,
		org.BillingCycleStart,
		org.BillingCycleEnd,
		org.SubscriptionStatus,
		nilIfZeroTime(org.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create organization", err)
	}
	return nil
}

// GetByID retrieves an organization by its ID.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations o WHERE o.id = $1`,
		id,
	)
	return r.scanOne(row)
}

// GetByStripeCustomerID resolves the organization linked to a Stripe customer.
// Invoice webhooks carry the customer but not always our metadata.
func (r *OrganizationRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations o WHERE o.stripe_customer_id = $1`,
		customerID,
	)
	return r.scanOne(row)
}

func (r *OrganizationRepository) scanOne(row pgx.Row) (*types.Organization, error) {
	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve organization", err)
	}
	return org, nil
}

// Exists reports whether an organization with the given ID exists.
func (r *OrganizationRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM organizations WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check organization", err)
	}
	return exists, nil
}

// SubscriptionUpdate carries the fields a billing webhook writes. Empty
// subscription IDs leave the stored value unchanged.
type SubscriptionUpdate struct {
	PlanID               types.PlanID
	Status               types.SubscriptionStatus
	StripeSubscriptionID string
	LemonSubscriptionID  string
	SeatCount            int
}

// UpdateSubscription writes the plan and subscription state.
func (r *OrganizationRepository) UpdateSubscription(ctx context.Context, id string, u SubscriptionUpdate) error {
	var seatCount *int
	if u.SeatCount > 0 {
		seatCount = &u.SeatCount
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations
		 SET plan_id = $1,
		     subscription_status = $2,
		     stripe_subscription_id = COALESCE($3, stripe_subscription_id),
		     lemon_subscription_id = COALESCE($4, lemon_subscription_id),
		     seat_count = COALESCE($5, seat_count),
		     updated_at = NOW()
		 WHERE id = $6`,
		u.PlanID,
		u.Status,
		nilIfEmpty(u.StripeSubscriptionID),
		nilIfEmpty(u.LemonSubscriptionID),
		seatCount,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return nil
}

// SetStripeCustomerID links the organization to its Stripe customer.
func (r *OrganizationRepository) SetStripeCustomerID(ctx context.Context, id, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2`,
		customerID, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set stripe customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return nil
}

// UpdateBillingCycle persists a new usage cycle window.
func (r *OrganizationRepository) UpdateBillingCycle(ctx context.Context, id string, start, end time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations
		 SET billing_cycle_start = $1, billing_cycle_end = $2, updated_at = NOW()
		 WHERE id = $3`,
		start, end, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update billing cycle", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return nil
}

// AddPendingOverage increments the pending overage balance and returns the
// new balance.
func (r *OrganizationRepository) AddPendingOverage(ctx context.Context, id string, cents int64) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx,
		`UPDATE organizations
		 SET pending_overage_cents = pending_overage_cents + $1, updated_at = NOW()
		 WHERE id = $2
		 RETURNING pending_overage_cents`,
		cents, id,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to add pending overage", err)
	}
	return balance, nil
}

// ClearPendingOverage zeroes the pending overage after an invoice is paid.
func (r *OrganizationRepository) ClearPendingOverage(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE organizations SET pending_overage_cents = 0, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear pending overage", err)
	}
	return nil
}

// UpdateSSOConfig replaces the organization's identity provider settings.
// A nil config disables SSO.
func (r *OrganizationRepository) UpdateSSOConfig(ctx context.Context, id string, cfg *types.SSOConfig) error {
	var value any
	if cfg != nil {
		value = *cfg
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations SET sso_config = $1, updated_at = NOW() WHERE id = $2`,
		value, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update sso configuration", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return nil
}

// SeatUsage is one row of the seat overage batch input.
type SeatUsage struct {
	OrganizationID   string
	PlanID           types.PlanID
	StripeCustomerID string
	ActiveSeats      int
}

// ListSeatUsage returns organizations ordered by ID with their active member
// counts, starting after afterID. Used for keyset pagination by batch jobs.
func (r *OrganizationRepository) ListSeatUsage(ctx context.Context, afterID string, limit int) ([]SeatUsage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT o.id, o.plan_id, o.stripe_customer_id,
		        COUNT(m.id) FILTER (WHERE m.status = 'active') AS active_seats
		 FROM organizations o
		 LEFT JOIN organization_members m ON m.organization_id = o.id
		 WHERE o.id > $1
		 GROUP BY o.id
		 ORDER BY o.id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list seat usage", err)
	}
	defer rows.Close()

	var out []SeatUsage
	for rows.Next() {
		var s SeatUsage
		var customerID *string
		if err := rows.Scan(&s.OrganizationID, &s.PlanID, &customerID, &s.ActiveSeats); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan seat usage", err)
		}
		s.StripeCustomerID = derefString(customerID)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating seat usage", err)
	}
	return out, nil
}

// ListIDs returns organization IDs ordered by ID after afterID.
func (r *OrganizationRepository) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return r.queryIDs(ctx,
		`SELECT id FROM organizations WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
}

// CycleCursor is a position in the expired-cycle listing. The zero value
// starts from the beginning.
type CycleCursor struct {
	CycleEnd       time.Time
	OrganizationID string
}

// ListCycleExpired returns organizations whose billing cycle ended at or
// before now, ordered by (billing_cycle_end, id) and strictly after the
// cursor. Rows that stay expired because their reset failed do not block
// later pages.
func (r *OrganizationRepository) ListCycleExpired(ctx context.Context, now time.Time, after CycleCursor, limit int) ([]CycleCursor, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, billing_cycle_end FROM organizations
		 WHERE billing_cycle_end <= $1
		   AND (billing_cycle_end, id) > ($2, $3)
		 ORDER BY billing_cycle_end, id
		 LIMIT $4`,
		now, after.CycleEnd, after.OrganizationID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired cycles", err)
	}
	defer rows.Close()

	var out []CycleCursor
	for rows.Next() {
		var c CycleCursor
		if err := rows.Scan(&c.OrganizationID, &c.CycleEnd); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan expired cycle", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating expired cycles", err)
	}
	return out, nil
}

func (r *OrganizationRepository) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list organizations", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan organization id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating organizations", err)
	}
	return ids, nil
}

// OrgProvisioner creates an organization together with its owner
// membership.
type OrgProvisioner struct {
	pool TxBeginner
}

// NewOrgProvisioner creates an OrgProvisioner.
func NewOrgProvisioner(pool TxBeginner) *OrgProvisioner {
	return &OrgProvisioner{pool: pool}
}

// Provision inserts org and owner in one transaction.
func (p *OrgProvisioner) Provision(ctx context.Context, org *types.Organization, owner *types.Member) error {
	return RunInTx(ctx, p.pool, func(tx DBTX) error {
		if err := NewOrganizationRepository(tx).Create(ctx, org); err != nil {
			return err
		}
		return NewMemberRepository(tx).Create(ctx, owner)
	})
}
