package core

import (
	"context"
	"net/http"
	"time"

	"devvelocity/internal/cache"
	"devvelocity/internal/types"
)

// Authenticator resolves a bearer token to an Actor. orgHint is the
// X-Org-ID header and may be empty.
type Authenticator interface {
	Authenticate(ctx context.Context, token, orgHint string) (*types.Actor, error)
}

// SessionResolver resolves a session cookie. found is false when the
// request carries no session, in which case err is nil.
type SessionResolver interface {
	Resolve(r *http.Request) (actor *types.Actor, found bool, err error)
}

// PlanResolver returns an organization's current plan.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID string) (types.PlanID, error)
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (cache.RateLimitResult, error)
}

// IdempotencyStore records keyed POST responses for replay.
type IdempotencyStore interface {
	// Acquire returns nil when the caller now owns key, or the existing
	// record otherwise.
	Acquire(ctx context.Context, orgID, key, path string) (*cache.IdempotencyRecord, error)
	Complete(ctx context.Context, orgID, key, path string, code int, body []byte) error
	Release(ctx context.Context, orgID, key string) error
}
