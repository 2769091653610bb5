package core

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"devvelocity/internal/types"
)

const (
	headerOrgID       = "X-Org-ID"
	headerAdminSecret = "X-Admin-Secret"
)

// AuthMiddleware resolves the caller to an Actor.
//
// A bearer token takes precedence and is verified by the Authenticator.
// Without one, the SSO session cookie is tried. Requests carrying neither
// get 401 auth_token_missing.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.resolveActor(r)
		if err != nil {
			s.logAuthFailure(r, err)
			Error(w, r, err)
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		if actor.OrganizationID != "" {
			ctx = types.WithLogger(ctx, types.LoggerFromContext(ctx).With("org_id", actor.OrganizationID))
			if info := requestInfoFrom(ctx); info != nil {
				info.orgID = actor.OrganizationID
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveActor(r *http.Request) (*types.Actor, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := extractBearerToken(header)
		if token == "" {
			return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil)
		}
		if s.Authenticator == nil {
			return nil, types.NewAppError(types.ErrCodeInternalConfig, "token authentication is not configured", nil)
		}
		return s.Authenticator.Authenticate(r.Context(), token, r.Header.Get(headerOrgID))
	}

	if s.Sessions != nil {
		actor, found, err := s.Sessions.Resolve(r)
		if found {
			return actor, err
		}
	}
	return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authorization header is required", nil)
}

// extractBearerToken returns the token of a "Bearer <token>" header. The
// scheme is case-insensitive (RFC 7235).
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) logAuthFailure(r *http.Request, err error) {
	attrs := []any{slog.String("method", r.Method), slog.String("path", r.URL.Path)}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus() < 500 {
		s.Logger.WarnContext(r.Context(), "authentication failed", append(attrs, slog.String("code", string(appErr.Code)))...)
		return
	}
	s.Logger.ErrorContext(r.Context(), "authentication failed", append(attrs, slog.Any("error", err))...)
}

// RequireOrg rejects actors that are not yet in an organization.
func RequireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if types.GetOrgID(r.Context()) == "" {
			Error(w, r, types.NewAppError(types.ErrCodePermissionNoOrg, "create or join an organization first", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects actors whose role ranks below min. System actors
// pass.
func RequireRole(min types.MemberRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := types.GetActor(r.Context())
			if !ok {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
				return
			}
			if actor.Type != types.ActorTypeSystem && !types.RoleAtLeast(actor.Role, min) {
				Error(w, r, types.NewAppErrorWithDetails(types.ErrCodePermissionRole,
					"insufficient role for this operation", nil,
					map[string]any{"required_role": string(min)}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdminSecret guards the internal routes. The X-Admin-Secret header
// is compared in constant time; an unset secret rejects everything.
func (s *Server) RequireAdminSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.Config.Security.AdminSecret.Unmask()
		got := r.Header.Get(headerAdminSecret)
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.Logger.WarnContext(r.Context(), "admin secret rejected", slog.String("path", r.URL.Path))
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminSecret, "invalid admin secret", nil))
			return
		}
		ctx := types.WithActor(r.Context(), types.Actor{UserID: "system", Type: types.ActorTypeSystem})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
