package plans

import (
	"fmt"

	"devvelocity/internal/types"
)

// Capability is a plan-gated feature or quantity.
type Capability string

const (
	CapFilePortal         Capability = "file_portal"
	CapSSO                Capability = "sso"
	CapSAML               Capability = "sso_saml"
	CapAIBuilder          Capability = "ai_builder"
	CapAdvancedAutomation Capability = "advanced_automation"
	CapProviders          Capability = "providers"
	CapSeats              Capability = "seats"
)

// Request asks whether a plan grants a capability. Quantity is only read for
// the numeric capabilities (providers, seats).
type Request struct {
	Capability Capability
	Quantity   int64
}

// Require builds a Request for a boolean capability.
func Require(c Capability) Request {
	return Request{Capability: c}
}

// Providers builds a Request for using n cloud providers at once.
func Providers(n int) Request {
	return Request{Capability: CapProviders, Quantity: int64(n)}
}

// Seats builds a Request for n active seats within the included allowance.
func Seats(n int) Request {
	return Request{Capability: CapSeats, Quantity: int64(n)}
}

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed       bool
	Plan          types.PlanID
	Capability    Capability
	SuggestedPlan types.PlanID
	Reason        string
}

// Err converts a denial into the 403 upgrade_required AppError. It returns
// nil when the decision allows the request.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return types.NewUpgradeRequiredError(string(d.Capability), d.Plan, d.SuggestedPlan, d.Reason)
}

// Check evaluates a single request against the plan. Unknown plan ids are
// evaluated as developer. On denial the decision suggests the lowest higher
// tier that would allow the request.
func (c *Catalog) Check(id types.PlanID, req Request) Decision {
	return c.CheckAll(id, req)
}

// CheckAll allows only when every request is allowed. Each request is checked
// independently; the first denial supplies Capability and Reason, and the
// suggestion is the lowest higher tier that satisfies all of them.
func (c *Catalog) CheckAll(id types.PlanID, reqs ...Request) Decision {
	id = Normalize(id)
	p := c.plans[id]

	d := Decision{Allowed: true, Plan: id}
	for _, req := range reqs {
		if ok, reason := allows(p, req); !ok {
			d = Decision{Plan: id, Capability: req.Capability, Reason: reason}
			break
		}
	}
	if d.Allowed {
		return d
	}

	for _, higher := range Order[tierIndex(id)+1:] {
		if c.allowsAll(c.plans[higher], reqs) {
			d.SuggestedPlan = higher
			break
		}
	}
	return d
}

func (c *Catalog) allowsAll(p Plan, reqs []Request) bool {
	for _, req := range reqs {
		if ok, _ := allows(p, req); !ok {
			return false
		}
	}
	return true
}

func allows(p Plan, req Request) (bool, string) {
	switch req.Capability {
	case CapFilePortal:
		if p.Features.FilePortal {
			return true, ""
		}
		return false, fmt.Sprintf("the file portal is not included in the %s plan", p.Name)
	case CapAIBuilder:
		if p.Features.AIBuilder {
			return true, ""
		}
		return false, fmt.Sprintf("the AI builder is not included in the %s plan", p.Name)
	case CapSSO:
		if ssoRank[p.Features.SSO] >= ssoRank[SSOBasic] {
			return true, ""
		}
		return false, fmt.Sprintf("single sign-on is not included in the %s plan", p.Name)
	case CapSAML:
		if ssoRank[p.Features.SSO] >= ssoRank[SSOEnterprise] {
			return true, ""
		}
		return false, fmt.Sprintf("SAML single sign-on is not included in the %s plan", p.Name)
	case CapAdvancedAutomation:
		if automationRank[p.Features.Automation] >= automationRank[AutomationAdvanced] {
			return true, ""
		}
		return false, fmt.Sprintf("advanced automation is not included in the %s plan", p.Name)
	case CapProviders:
		if req.Quantity < 0 {
			return false, "provider count must be non-negative"
		}
		if Within(p.Caps.Providers, req.Quantity) {
			return true, ""
		}
		return false, fmt.Sprintf("the %s plan allows %d providers, %d requested", p.Name, p.Caps.Providers, req.Quantity)
	case CapSeats:
		if req.Quantity < 0 {
			return false, "seat count must be non-negative"
		}
		if Within(p.Caps.SeatsIncluded, req.Quantity) {
			return true, ""
		}
		return false, fmt.Sprintf("the %s plan includes %d seats, %d requested", p.Name, p.Caps.SeatsIncluded, req.Quantity)
	default:
		return false, fmt.Sprintf("unknown capability %q", req.Capability)
	}
}

// Entitlements is the full capability view of a plan, as returned by the
// org endpoint so clients can hide features up front.
type Entitlements struct {
	Plan               types.PlanID `json:"plan"`
	FilePortal         bool         `json:"file_portal"`
	SSO                bool         `json:"sso"`
	SAML               bool         `json:"saml"`
	AIBuilder          bool         `json:"ai_builder"`
	AdvancedAutomation bool         `json:"advanced_automation"`
	Caps               Caps         `json:"caps"`
}

// EntitlementsFor derives the capability view of a plan through the same
// check used by handlers.
func (c *Catalog) EntitlementsFor(id types.PlanID) Entitlements {
	id = Normalize(id)
	p := c.plans[id]
	return Entitlements{
		Plan:               id,
		FilePortal:         c.Check(id, Require(CapFilePortal)).Allowed,
		SSO:                c.Check(id, Require(CapSSO)).Allowed,
		SAML:               c.Check(id, Require(CapSAML)).Allowed,
		AIBuilder:          c.Check(id, Require(CapAIBuilder)).Allowed,
		AdvancedAutomation: c.Check(id, Require(CapAdvancedAutomation)).Allowed,
		Caps:               p.Caps,
	}
}
