// Package plans holds the single authoritative plan table and the entitlement
// check every handler consults before allowing a plan-gated action.
package plans

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"devvelocity/internal/types"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Unlimited is the cap value meaning "no limit".
const Unlimited int64 = -1

// Order is the ascending tier sequence. Suggestions and monotonicity checks
// walk this slice.
var Order = []types.PlanID{
	types.PlanDeveloper,
	types.PlanStartup,
	types.PlanTeam,
	types.PlanEnterprise,
}

// SSOLevel is the ordered SSO feature level of a plan.
type SSOLevel string

const (
	SSONone       SSOLevel = "none"
	SSOBasic      SSOLevel = "basic"
	SSOEnterprise SSOLevel = "enterprise"
)

var ssoRank = map[SSOLevel]int{SSONone: 0, SSOBasic: 1, SSOEnterprise: 2}

// AutomationLevel is the ordered automation feature level of a plan.
type AutomationLevel string

const (
	AutomationBasic      AutomationLevel = "basic"
	AutomationStandard   AutomationLevel = "standard"
	AutomationAdvanced   AutomationLevel = "advanced"
	AutomationEnterprise AutomationLevel = "enterprise"
)

var automationRank = map[AutomationLevel]int{
	AutomationBasic:      0,
	AutomationStandard:   1,
	AutomationAdvanced:   2,
	AutomationEnterprise: 3,
}

// Caps are the numeric limits of a plan. Unlimited (-1) means no cap.
type Caps struct {
	SeatsIncluded int64 `yaml:"seats_included" json:"seats_included"`
	Providers     int64 `yaml:"providers" json:"providers"`
	BuildMinutes  int64 `yaml:"build_minutes" json:"build_minutes"`
	PipelineRuns  int64 `yaml:"pipeline_runs" json:"pipeline_runs"`
	APICalls      int64 `yaml:"api_calls" json:"api_calls"`
}

// Features are the feature levels and flags of a plan.
type Features struct {
	SSO        SSOLevel        `yaml:"sso" json:"sso"`
	Automation AutomationLevel `yaml:"automation" json:"automation"`
	FilePortal bool            `yaml:"file_portal" json:"file_portal"`
	AIBuilder  bool            `yaml:"ai_builder" json:"ai_builder"`
}

// Plan is one row of the plan table.
type Plan struct {
	ID             types.PlanID `yaml:"id" json:"id"`
	Name           string       `yaml:"name" json:"name"`
	PriceCents     int64        `yaml:"price_cents" json:"price_cents"`
	SeatPriceCents int64        `yaml:"seat_price_cents" json:"seat_price_cents"`
	Caps           Caps         `yaml:"caps" json:"caps"`
	Features       Features     `yaml:"features" json:"features"`
}

// Catalog is an immutable, validated plan table.
type Catalog struct {
	plans map[types.PlanID]Plan
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// Parse decodes and validates a YAML plan table. It fails when a tier is
// missing or duplicated, a level is unknown, or any cap, level or flag
// decreases from one tier to the next.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("plans: decode catalog: %w", err)
	}

	c := &Catalog{plans: make(map[types.PlanID]Plan, len(f.Plans))}
	for _, p := range f.Plans {
		if !isKnownPlan(p.ID) {
			return nil, fmt.Errorf("plans: unknown plan id %q", p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plans: duplicate definition for %q", p.ID)
		}
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		c.plans[p.ID] = p
	}

	for i, id := range Order {
		if _, ok := c.plans[id]; !ok {
			return nil, fmt.Errorf("plans: missing definition for %q", id)
		}
		if i == 0 {
			continue
		}
		if err := checkMonotonic(c.plans[Order[i-1]], c.plans[id]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Parse(embeddedCatalog)
})

// Default returns the embedded plan table, parsed once per process.
func Default() (*Catalog, error) {
	return loadDefault()
}

// MustDefault is Default for process startup; it panics on an invalid
// embedded catalog.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Normalize maps unknown plan ids to developer so lookups fail closed.
func Normalize(id types.PlanID) types.PlanID {
	if isKnownPlan(id) {
		return id
	}
	return types.PlanDeveloper
}

// IsKnown reports whether id is one of the four tiers.
func IsKnown(id types.PlanID) bool {
	return isKnownPlan(id)
}

// Get returns the definition for id. Unknown ids get the developer plan.
func (c *Catalog) Get(id types.PlanID) Plan {
	return c.plans[Normalize(id)]
}

// All returns every plan in tier order.
func (c *Catalog) All() []Plan {
	out := make([]Plan, 0, len(Order))
	for _, id := range Order {
		out = append(out, c.plans[id])
	}
	return out
}

// Within reports whether n fits under limit, honoring Unlimited.
func Within(limit, n int64) bool {
	return limit < 0 || n <= limit
}

func isKnownPlan(id types.PlanID) bool {
	return tierIndex(id) >= 0
}

func tierIndex(id types.PlanID) int {
	for i, o := range Order {
		if o == id {
			return i
		}
	}
	return -1
}

func validatePlan(p Plan) error {
	if _, ok := ssoRank[p.Features.SSO]; !ok {
		return fmt.Errorf("plans: %s: unknown sso level %q", p.ID, p.Features.SSO)
	}
	if _, ok := automationRank[p.Features.Automation]; !ok {
		return fmt.Errorf("plans: %s: unknown automation level %q", p.ID, p.Features.Automation)
	}
	for name, v := range capFields(p.Caps) {
		if v < Unlimited {
			return fmt.Errorf("plans: %s: cap %s must be >= -1, got %d", p.ID, name, v)
		}
	}
	if p.PriceCents < 0 || p.SeatPriceCents < 0 {
		return fmt.Errorf("plans: %s: prices must be non-negative", p.ID)
	}
	return nil
}

func capFields(c Caps) map[string]int64 {
	return map[string]int64{
		"seats_included": c.SeatsIncluded,
		"providers":      c.Providers,
		"build_minutes":  c.BuildMinutes,
		"pipeline_runs":  c.PipelineRuns,
		"api_calls":      c.APICalls,
	}
}

// capLE compares caps with Unlimited ranking above every finite value.
func capLE(a, b int64) bool {
	if b < 0 {
		return true
	}
	if a < 0 {
		return false
	}
	return a <= b
}

func checkMonotonic(lower, higher Plan) error {
	lc, hc := capFields(lower.Caps), capFields(higher.Caps)
	for name, lv := range lc {
		if !capLE(lv, hc[name]) {
			return fmt.Errorf("plans: cap %s decreases from %s (%d) to %s (%d)",
				name, lower.ID, lv, higher.ID, hc[name])
		}
	}
	if ssoRank[lower.Features.SSO] > ssoRank[higher.Features.SSO] {
		return fmt.Errorf("plans: sso level decreases from %s to %s", lower.ID, higher.ID)
	}
	if automationRank[lower.Features.Automation] > automationRank[higher.Features.Automation] {
		return fmt.Errorf("plans: automation level decreases from %s to %s", lower.ID, higher.ID)
	}
	if lower.Features.FilePortal && !higher.Features.FilePortal {
		return fmt.Errorf("plans: file_portal removed between %s and %s", lower.ID, higher.ID)
	}
	if lower.Features.AIBuilder && !higher.Features.AIBuilder {
		return fmt.Errorf("plans: ai_builder removed between %s and %s", lower.ID, higher.ID)
	}
	return nil
}
