package types

import (
	"context"
	"log/slog"
)

// ActorType identifies how the caller authenticated.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"   // Supabase bearer token
	ActorTypeSSO    ActorType = "sso"    // SSO session cookie
	ActorTypeSystem ActorType = "system" // internal cron trigger
)

// Actor represents the authenticated entity performing an operation.
type Actor struct {
	UserID         string
	Email          string
	Type           ActorType
	OrganizationID string
	Role           MemberRole
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// GetOrgID returns the organization of the authenticated actor, or "" when
// the request is unauthenticated.
func GetOrgID(ctx context.Context) string {
	actor, ok := GetActor(ctx)
	if !ok {
		return ""
	}
	return actor.OrganizationID
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the request-scoped logger, falling back to
// slog.Default when none was stored.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
