package core

import (
	"context"
	"log/slog"
	"net/http"

	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// EntitlementGate checks an organization's plan before an action. Every
// plan-gated route goes through it, either as middleware or from a
// handler when the request depends on the body.
type EntitlementGate struct {
	Plans   PlanResolver
	Catalog *plans.Catalog
	Metrics MetricsCollector
	Logger  *slog.Logger
}

// Check returns nil when orgID's plan allows every request, and the 403
// upgrade_required error otherwise.
func (g *EntitlementGate) Check(ctx context.Context, orgID string, reqs ...plans.Request) error {
	plan, err := g.Plans.PlanFor(ctx, orgID)
	if err != nil {
		return err
	}
	dec := g.Catalog.CheckAll(plan, reqs...)
	if dec.Allowed {
		return nil
	}
	if g.Metrics != nil {
		g.Metrics.RecordDenial(string(dec.Capability), dec.Plan)
	}
	if g.Logger != nil {
		g.Logger.InfoContext(ctx, "entitlement denied",
			"org_id", orgID, "plan", dec.Plan, "capability", dec.Capability, "suggested_plan", dec.SuggestedPlan)
	}
	return dec.Err()
}

// Entitlements returns the full capability view of orgID's plan.
func (g *EntitlementGate) Entitlements(ctx context.Context, orgID string) (plans.Entitlements, error) {
	plan, err := g.Plans.PlanFor(ctx, orgID)
	if err != nil {
		return plans.Entitlements{}, err
	}
	return g.Catalog.EntitlementsFor(plan), nil
}

// Gatekeeper is the part of EntitlementGate handlers depend on.
type Gatekeeper interface {
	Check(ctx context.Context, orgID string, reqs ...plans.Request) error
	Entitlements(ctx context.Context, orgID string) (plans.Entitlements, error)
}

var _ Gatekeeper = (*EntitlementGate)(nil)

// RequireCapability gates a route on static capabilities of the caller's
// organization.
func RequireCapability(g Gatekeeper, caps ...plans.Capability) func(http.Handler) http.Handler {
	reqs := make([]plans.Request, len(caps))
	for i, c := range caps {
		reqs[i] = plans.Require(c)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Check(r.Context(), types.GetOrgID(r.Context()), reqs...); err != nil {
				Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
