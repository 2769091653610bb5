package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/billing"
	"devvelocity/internal/core"
	"devvelocity/internal/types"
)

// CheckoutService starts provider checkouts and reads billing history.
type CheckoutService interface {
	StripeURL(ctx context.Context, orgID, email string, plan types.PlanID) (string, error)
	LemonURL(ctx context.Context, orgID, email string, plan types.PlanID) (string, error)
	Invoices(ctx context.Context, orgID string, limit int) ([]*types.Invoice, error)
	Events(ctx context.Context, orgID string, limit int) ([]*types.BillingEvent, error)
}

var _ CheckoutService = (*billing.Checkout)(nil)

// CheckoutRequest is the body of both checkout routes.
type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required,paid_plan"`
}

// CheckoutResponse carries the provider-hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// BillingHandler serves checkout and billing history routes.
type BillingHandler struct {
	svc       CheckoutService
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(svc CheckoutService, v *core.Validator, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts /billing.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Use(core.RequireOrg)
		r.With(core.RequireRole(types.RoleAdmin)).Post("/checkout/stripe", h.StripeCheckout)
		r.With(core.RequireRole(types.RoleAdmin)).Post("/checkout/lemonsqueezy", h.LemonCheckout)
		r.Get("/invoices", h.Invoices)
		r.Get("/events", h.Events)
	})
}

type checkoutFunc func(ctx context.Context, orgID, email string, plan types.PlanID) (string, error)

// StripeCheckout handles POST /v1/billing/checkout/stripe.
func (h *BillingHandler) StripeCheckout(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, h.svc.StripeURL)
}

// LemonCheckout handles POST /v1/billing/checkout/lemonsqueezy.
func (h *BillingHandler) LemonCheckout(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, h.svc.LemonURL)
}

func (h *BillingHandler) checkout(w http.ResponseWriter, r *http.Request, start checkoutFunc) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := start(r.Context(), actor.OrganizationID, actor.Email, types.PlanID(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, CheckoutResponse{URL: url})
}

// Invoices handles GET /v1/billing/invoices.
func (h *BillingHandler) Invoices(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := h.svc.Invoices(r.Context(), types.GetOrgID(r.Context()), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, out)
}

// Events handles GET /v1/billing/events.
func (h *BillingHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := h.svc.Events(r.Context(), types.GetOrgID(r.Context()), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, out)
}
