package core

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"devvelocity/internal/types"
)

// CSRFMiddleware protects cookie-authenticated requests. Bearer tokens are
// never sent implicitly by a browser, so only SSO session actors are
// checked: an unsafe request must carry an Origin (or Referer) that is one
// of the trusted origins.
func (s *Server) CSRFMiddleware(next http.Handler) http.Handler {
	trusted := s.trustedOrigins()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		actor, ok := types.GetActor(r.Context())
		if !ok || actor.Type != types.ActorTypeSSO {
			next.ServeHTTP(w, r)
			return
		}

		origin := requestOrigin(r)
		if _, ok := trusted[origin]; !ok {
			s.Logger.WarnContext(r.Context(), "cross-site request rejected",
				slog.String("origin", origin),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodePermissionCSRF, "request origin is not allowed", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trustedOrigins is the dashboard, the API itself and any explicit CORS
// origin. A "*" CORS entry is not trusted for cookie requests.
func (s *Server) trustedOrigins() map[string]struct{} {
	out := map[string]struct{}{}
	add := func(raw string) {
		if o := originOf(raw); o != "" {
			out[o] = struct{}{}
		}
	}
	add(s.Config.Server.AppBaseURL)
	add(s.Config.Server.APIBaseURL)
	for _, o := range s.Config.Security.CorsAllowedOrigins {
		if o != "*" {
			add(o)
		}
	}
	return out
}

func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return originOf(o)
	}
	return originOf(r.Header.Get("Referer"))
}

// originOf reduces a URL to scheme://host[:port].
func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// extractClientIP returns the first X-Forwarded-For entry, or RemoteAddr
// without its port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
