// Package handlers contains the HTTP handler implementations for the
// DevVelocity API.
//
// Each handler declares the narrow interfaces it needs from the service and
// repository layers, decodes and validates its input through core, and
// renders results with core.Data or core.Error. Plan gates that depend only
// on the route are applied as middleware in RegisterRoutes; gates that
// depend on the request body run inside the handler through the same
// core.Gatekeeper.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// UsageRecorder appends usage counters without failing the caller.
type UsageRecorder interface {
	LogBestEffort(ctx context.Context, orgID string, c types.UsageCounters, source string)
}

// parseLimit reads ?limit=, clamped to [1, maxListLimit].
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidField, "limit must be a positive integer", err)
	}
	return min(n, maxListLimit), nil
}

// pathVersion parses a positive version number from a URL parameter.
func pathVersion(r *http.Request, name string) (int, error) {
	return parseVersion(chi.URLParam(r, name), name)
}

func parseVersion(raw, name string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidVersion,
			name+" must be a positive integer", err, map[string]any{"field": name})
	}
	return n, nil
}

// actorOf returns the authenticated actor. Routes are always mounted
// behind the auth middleware, so a missing actor is a wiring error and is
// reported as unauthenticated.
func actorOf(r *http.Request) (types.Actor, error) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil)
	}
	return actor, nil
}

// actorName identifies the actor in last_modified_by and created_by
// columns.
func actorName(a types.Actor) string {
	if a.Email != "" {
		return a.Email
	}
	return a.UserID
}
