package core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"devvelocity/internal/cache"
	"devvelocity/internal/types"
)

// MockAuthenticator is an Authenticator for tests. AuthenticateFunc wins
// over Err, which wins over Actor.
//
//	auth := &MockAuthenticator{Actor: &types.Actor{UserID: "u1", OrganizationID: "org_1", Role: types.RoleOwner}}
type MockAuthenticator struct {
	Actor            *types.Actor
	Err              error
	AuthenticateFunc func(ctx context.Context, token, orgHint string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []AuthCall
}

// AuthCall records one Authenticate invocation.
type AuthCall struct {
	Token   string
	OrgHint string
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, token, orgHint string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, AuthCall{Token: token, OrgHint: orgHint})
	m.mu.Unlock()

	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, token, orgHint)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	actor := *m.Actor
	return &actor, nil
}

// MockSessionResolver returns a fixed session actor when the request carries
// any cookie named CookieName.
type MockSessionResolver struct {
	CookieName string
	Actor      *types.Actor
	Err        error
}

func (m *MockSessionResolver) Resolve(r *http.Request) (*types.Actor, bool, error) {
	if _, err := r.Cookie(m.CookieName); err != nil {
		return nil, false, nil
	}
	if m.Err != nil {
		return nil, true, m.Err
	}
	actor := *m.Actor
	return &actor, true, nil
}

// MockPlanResolver serves plans from a map. Unknown orgs get Default, or
// NotFoundOrg when Default is empty.
type MockPlanResolver struct {
	Plans   map[string]types.PlanID
	Default types.PlanID
	Err     error
}

func (m *MockPlanResolver) PlanFor(_ context.Context, orgID string) (types.PlanID, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if p, ok := m.Plans[orgID]; ok {
		return p, nil
	}
	if m.Default != "" {
		return m.Default, nil
	}
	return "", types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
}

// MockRateLimitStore returns Result and Err, or delegates to
// IncrementAndCheckFunc.
type MockRateLimitStore struct {
	Result                cache.RateLimitResult
	Err                   error
	IncrementAndCheckFunc func(ctx context.Context, key string, limit int, window time.Duration) (cache.RateLimitResult, error)

	mu    sync.Mutex
	Calls []RateLimitCall
}

// RateLimitCall records one IncrementAndCheck invocation.
type RateLimitCall struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (m *MockRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (cache.RateLimitResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, RateLimitCall{Key: key, Limit: limit, Window: window})
	m.mu.Unlock()

	if m.IncrementAndCheckFunc != nil {
		return m.IncrementAndCheckFunc(ctx, key, limit, window)
	}
	return m.Result, m.Err
}

var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ SessionResolver  = (*MockSessionResolver)(nil)
	_ PlanResolver     = (*MockPlanResolver)(nil)
	_ RateLimitStore   = (*MockRateLimitStore)(nil)
	_ IdempotencyStore = (*cache.IdempotencyStore)(nil)
	_ RateLimitStore   = (*cache.RateLimiter)(nil)
)
