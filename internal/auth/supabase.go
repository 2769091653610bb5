// Package auth resolves API callers to an Actor.
//
// Two credentials are accepted: a Supabase access token in the
// Authorization header, and an SSO session cookie established by the
// sso package. Both end in the same Actor shape so handlers never care
// which one was used.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"devvelocity/internal/types"
)

// clockSkew absorbs drift between Supabase and this service.
const clockSkew = 30 * time.Second

// Claims are the Supabase access token claims read by the API.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// MemberResolver is the membership lookup needed to bind a user to an org.
type MemberResolver interface {
	GetActiveByUser(ctx context.Context, orgID, userID string) (*types.Member, error)
	FirstActiveForUser(ctx context.Context, userID string) (*types.Member, error)
	AcceptInvites(ctx context.Context, userID, email string) (int64, error)
}

// SupabaseAuthenticator verifies HS256 access tokens issued by Supabase.
type SupabaseAuthenticator struct {
	secret  []byte
	issuer  string
	members MemberResolver
	clock   types.Clock
	logger  *slog.Logger
}

// NewSupabaseAuthenticator creates an authenticator. An empty issuer skips
// the iss check.
func NewSupabaseAuthenticator(secret types.SecretString, issuer string, members MemberResolver, clock types.Clock, logger *slog.Logger) *SupabaseAuthenticator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SupabaseAuthenticator{
		secret:  []byte(secret.Unmask()),
		issuer:  issuer,
		members: members,
		clock:   clock,
		logger:  logger,
	}
}

// ParseToken validates the signature, expiry and issuer of raw.
func (a *SupabaseAuthenticator) ParseToken(raw string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, types.NewAppError(types.ErrCodeInternalConfig, "token verification is not configured", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithLeeway(clockSkew),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "access token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token is invalid", err)
	}
	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token has no subject", nil)
	}
	// Anon and service_role keys are JWTs signed with the same secret.
	if claims.Role != "" && claims.Role != "authenticated" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token is not a user session", nil)
	}
	return claims, nil
}

// Authenticate resolves a bearer token to an Actor. orgHint is the optional
// X-Org-ID header; without it the user's oldest active membership is used.
//
// A user with no membership at all gets an Actor with an empty
// OrganizationID, which is enough to create an organization.
func (a *SupabaseAuthenticator) Authenticate(ctx context.Context, raw, orgHint string) (*types.Actor, error) {
	claims, err := a.ParseToken(raw)
	if err != nil {
		return nil, err
	}

	actor := &types.Actor{
		UserID: claims.Subject,
		Email:  CanonicalizeEmail(claims.Email),
		Type:   types.ActorTypeUser,
	}

	m, err := a.membership(ctx, actor, orgHint)
	switch {
	case err == nil:
		actor.OrganizationID = m.OrganizationID
		actor.Role = m.Role
	case types.IsCode(err, types.ErrCodeNotFoundMember):
		if orgHint != "" {
			return nil, types.NewAppError(types.ErrCodePermissionOrgMismatch, "you are not a member of this organization", nil)
		}
	default:
		return nil, err
	}
	return actor, nil
}

func (a *SupabaseAuthenticator) membership(ctx context.Context, actor *types.Actor, orgHint string) (*types.Member, error) {
	m, err := a.lookup(ctx, actor.UserID, orgHint)
	if !types.IsCode(err, types.ErrCodeNotFoundMember) || actor.Email == "" {
		return m, err
	}

	// Invites are addressed by email; the first authenticated request binds
	// them to the user id.
	n, acceptErr := a.members.AcceptInvites(ctx, actor.UserID, actor.Email)
	if acceptErr != nil {
		return nil, acceptErr
	}
	if n == 0 {
		return nil, err
	}
	a.logger.InfoContext(ctx, "accepted pending invites", "user_id", actor.UserID, "count", n)
	return a.lookup(ctx, actor.UserID, orgHint)
}

func (a *SupabaseAuthenticator) lookup(ctx context.Context, userID, orgHint string) (*types.Member, error) {
	if orgHint != "" {
		return a.members.GetActiveByUser(ctx, orgHint, userID)
	}
	return a.members.FirstActiveForUser(ctx, userID)
}

// CanonicalizeEmail lowercases and trims an address so lookups match
// regardless of how the IdP or user typed it.
func CanonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
