package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"devvelocity/internal/types"
)

// MemberRepository provides data access for organization_members.
type MemberRepository struct {
	db DBTX
}

// NewMemberRepository creates a new MemberRepository.
func NewMemberRepository(db DBTX) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberColumns = `id, organization_id, user_id, email, role, status, created_at, updated_at`

func scanMember(row pgx.Row) (*types.Member, error) {
	var m types.Member
	var userID *string
	if err := row.Scan(
		&m.ID,
		&m.OrganizationID,
		&userID,
		&m.Email,
		&m.Role,
		&m.Status,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.UserID = derefString(userID)
	return &m, nil
}

// uniqueViolation is the Postgres SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// Create inserts a membership. An existing non-removed membership with the
// same email yields a conflict.
func (r *MemberRepository) Create(ctx context.Context, m *types.Member) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO organization_members (id, organization_id, user_id, email, role, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID,
		m.OrganizationID,
		nilIfEmpty(m.UserID),
		strings.ToLower(m.Email),
		m.Role,
		m.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.NewAppError(types.ErrCodeConflictMember, "a member with this email already exists", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create member", err)
	}
	return nil
}

// GetActiveByUser returns the caller's active membership in orgID.
func (r *MemberRepository) GetActiveByUser(ctx context.Context, orgID, userID string) (*types.Member, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members
		 WHERE organization_id = $1 AND user_id = $2 AND status = 'active'`,
		orgID, userID,
	)
	return scanMemberResult(row)
}

// GetActiveByEmail returns the active membership in orgID for an email
// address. Used by SSO, where the IdP asserts an email rather than our user ID.
func (r *MemberRepository) GetActiveByEmail(ctx context.Context, orgID, email string) (*types.Member, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members
		 WHERE organization_id = $1 AND lower(email) = lower($2) AND status = 'active'`,
		orgID, email,
	)
	return scanMemberResult(row)
}

// FirstActiveForUser returns the user's oldest active membership. Requests
// without an explicit organization header act in this organization.
func (r *MemberRepository) FirstActiveForUser(ctx context.Context, userID string) (*types.Member, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY created_at ASC
		 LIMIT 1`,
		userID,
	)
	return scanMemberResult(row)
}

func scanMemberResult(row pgx.Row) (*types.Member, error) {
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMember, "member not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve member", err)
	}
	return m, nil
}

// AcceptInvites activates every pending invite addressed to email and binds
// it to userID. Returns the number of invites accepted.
func (r *MemberRepository) AcceptInvites(ctx context.Context, userID, email string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE organization_members
		 SET user_id = $1, status = 'active', updated_at = NOW()
		 WHERE lower(email) = lower($2) AND status = 'invited'`,
		userID, email,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to accept invites", err)
	}
	return tag.RowsAffected(), nil
}

// List returns all non-removed members of an organization.
func (r *MemberRepository) List(ctx context.Context, orgID string) ([]*types.Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+memberColumns+` FROM organization_members
		 WHERE organization_id = $1 AND status <> 'removed'
		 ORDER BY created_at ASC`,
		orgID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list members", err)
	}
	defer rows.Close()

	var out []*types.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan member", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating members", err)
	}
	return out, nil
}

// Remove marks a membership removed. Owners cannot be removed.
func (r *MemberRepository) Remove(ctx context.Context, orgID, memberID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE organization_members
		 SET status = 'removed', updated_at = NOW()
		 WHERE organization_id = $1 AND id = $2 AND status <> 'removed' AND role <> 'owner'`,
		orgID, memberID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove member", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMember, "member not found or cannot be removed", nil)
	}
	return nil
}

// CountActive returns the number of seats in use.
func (r *MemberRepository) CountActive(ctx context.Context, orgID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM organization_members WHERE organization_id = $1 AND status = 'active'`,
		orgID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count members", err)
	}
	return n, nil
}
