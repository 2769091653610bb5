// Package core provides the API chassis for DevVelocity. It owns the chi
// router and the cross-cutting concerns (security, logging, metrics,
// authentication, plan gating and error rendering) that run before a
// request reaches a domain handler.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/config"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	// RecordRequest records one request. route is the matched pattern.
	RecordRequest(method, route, status string, duration time.Duration)
	// RecordDenial records a request refused by the plan gate.
	RecordDenial(capability string, plan types.PlanID)
}

// RouteRegistrar mounts a handler group on a router.
type RouteRegistrar func(chi.Router)

// Server holds the dependencies shared by every route. Optional
// collaborators left nil disable the middleware that uses them.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	Authenticator    Authenticator
	Sessions         SessionResolver
	Plans            PlanResolver
	Catalog          *plans.Catalog
	RateLimitStore   RateLimitStore
	IdempotencyStore IdempotencyStore

	HealthProbes   []HealthProbe
	MetricsHandler http.Handler
	OpenAPI        []byte

	// PublicRoutes mount under /v1 without authentication (webhooks, SSO).
	PublicRoutes []RouteRegistrar
	// V1Routes mount under /v1 behind authentication.
	V1Routes []RouteRegistrar
	// InternalRoutes mount under /internal behind the admin secret.
	InternalRoutes []RouteRegistrar

	router *chi.Mux
}

// NewServer validates the required dependencies. Routes are mounted by
// MountRoutes once the caller has populated the registrars.
func NewServer(cfg *config.Config, catalog *plans.Catalog, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("plan catalog must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Catalog:   catalog,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Gate returns the entitlement gate used by handlers for checks that depend
// on the request body.
func (s *Server) Gate() *EntitlementGate {
	return &EntitlementGate{Plans: s.Plans, Catalog: s.Catalog, Metrics: s.Metrics, Logger: s.Logger}
}

// Shutdown releases server resources. The pool and Redis client are owned
// by main and closed there.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
