package core

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"devvelocity/internal/types"
)

const defaultRequestTimeout = 29 * time.Second

const headerRequestID = "X-Request-Id"

// redactedHeaders are masked in request logs.
var redactedHeaders = []string{"Authorization", "Cookie", "X-Admin-Secret", "Stripe-Signature", "X-Signature"}

// MountRoutes registers the middleware chain and every route group. Call it
// once, after the registrars have been set.
//
// Middleware order:
//  1. Recoverer catches panics from everything below it.
//  2. ContextTimeout bounds each request.
//  3. RequestID sets the correlation id used by the logger.
//  4. SecurityHeaders.
//  5. RequestLogger.
//  6. CORS.
//  7. Metrics, outermost of the routing so it sees the matched pattern.
//
// The authenticated /v1 group then adds Auth, CSRF, RateLimit and
// Idempotency, in that order, since each depends on the actor or org
// resolved before it.
func (s *Server) MountRoutes() {
	r := s.router
	r.Use(s.Recoverer)
	r.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	r.Use(RequestIDMiddleware)
	r.Use(s.SecurityHeadersMiddleware)
	r.Use(RequestLogger(s.Logger, redactedHeaders))
	r.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	r.Use(s.MetricsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusMethodNotAllowed, APIErrorResponse{Error: ErrorDetail{
			Code:      "method_not_allowed",
			Message:   "method not allowed",
			RequestID: types.GetRequestID(r.Context()),
		}})
	})

	r.Get("/health", s.HandleHealth)
	r.Get("/openapi.json", s.ServeOpenAPISpec)
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		for _, register := range s.PublicRoutes {
			register(v1)
		}
		v1.Group(func(authed chi.Router) {
			authed.Use(s.AuthMiddleware)
			authed.Use(s.CSRFMiddleware)
			authed.Use(s.RateLimit)
			authed.Use(s.IdempotencyMiddleware)
			for _, register := range s.V1Routes {
				register(authed)
			}
		})
	})

	if len(s.InternalRoutes) > 0 {
		r.Route("/internal", func(in chi.Router) {
			in.Use(s.RequireAdminSecret)
			for _, register := range s.InternalRoutes {
				register(in)
			}
		})
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
// Handlers see a cancelled context once it passes.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an incoming X-Request-Id or mints one, stores
// it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = "req_" + rand.Text()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

// LoadOpenAPI parses and validates an OpenAPI 3 document (YAML or JSON) and
// returns it re-encoded as JSON for serving.
func LoadOpenAPI(ctx context.Context, doc []byte) ([]byte, error) {
	loader := openapi3.NewLoader()
	spec, err := loader.LoadFromData(doc)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if err := spec.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	out, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode openapi document: %w", err)
	}
	return out, nil
}

// ServeOpenAPISpec serves the document loaded at startup.
func (s *Server) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(s.OpenAPI) == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "no API document is configured", nil))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.OpenAPI)
}
