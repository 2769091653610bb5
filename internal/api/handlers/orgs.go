package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"devvelocity/internal/core"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// OrgStore is the organization data the org handler reads and writes.
type OrgStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	UpdateSSOConfig(ctx context.Context, id string, cfg *types.SSOConfig) error
}

// MemberStore is the membership data the org handler manages.
type MemberStore interface {
	Create(ctx context.Context, m *types.Member) error
	List(ctx context.Context, orgID string) ([]*types.Member, error)
	Remove(ctx context.Context, orgID, memberID string) error
	CountActive(ctx context.Context, orgID string) (int, error)
}

// OrgProvisioner creates an organization and its owner atomically.
type OrgProvisioner interface {
	Provision(ctx context.Context, org *types.Organization, owner *types.Member) error
}

// CreateOrgRequest is the body of POST /v1/orgs.
type CreateOrgRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// InviteMemberRequest is the body of POST /v1/org/members.
type InviteMemberRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
	Role  string `json:"role" validate:"required,invite_role"`
}

// EndpointValidator rejects tenant-supplied URLs the server must not call.
type EndpointValidator interface {
	ValidateURL(ctx context.Context, raw string) error
}

// UpdateSSORequest is the body of PUT /v1/org/sso. A null config
// disables SSO.
type UpdateSSORequest struct {
	Config *SSOConfigInput `json:"config"`
}

// SSOConfigInput carries the IdP settings for one protocol.
type SSOConfigInput struct {
	Protocol       string `json:"protocol" validate:"required,sso_protocol"`
	IssuerURL      string `json:"issuer_url" validate:"required_if=Protocol oidc,omitempty,url"`
	ClientID       string `json:"client_id" validate:"required_if=Protocol oidc"`
	ClientSecret   string `json:"client_secret" validate:"required_if=Protocol oidc"`
	IDPSSOURL      string `json:"idp_sso_url" validate:"required_if=Protocol saml,omitempty,url"`
	IDPIssuer      string `json:"idp_issuer" validate:"required_if=Protocol saml"`
	IDPCertificate string `json:"idp_certificate" validate:"required_if=Protocol saml"`
}

// SeatUsage summarizes seat consumption against the plan.
type SeatUsage struct {
	Active      int   `json:"active"`
	Included    int64 `json:"included"`
	WithinPlan  bool  `json:"within_plan"`
	OverageEach int64 `json:"overage_cents_per_seat"`
}

// OrgDashboard is the response of GET /v1/org.
type OrgDashboard struct {
	Organization *types.Organization `json:"organization"`
	Plan         plans.Plan          `json:"plan"`
	Entitlements plans.Entitlements  `json:"entitlements"`
	Seats        SeatUsage           `json:"seats"`
	Role         types.MemberRole    `json:"role"`
}

// OrgHandler serves organization and membership routes.
type OrgHandler struct {
	orgs        OrgStore
	members     MemberStore
	provisioner OrgProvisioner
	gate        core.Gatekeeper
	catalog     *plans.Catalog
	emails      types.EmailQueue
	clock       types.Clock
	appBaseURL  string
	validator   *core.Validator
	endpoints   EndpointValidator
	logger      *slog.Logger
}

// OrgHandlerDeps groups the OrgHandler collaborators.
type OrgHandlerDeps struct {
	Orgs        OrgStore
	Members     MemberStore
	Provisioner OrgProvisioner
	Gate        core.Gatekeeper
	Catalog     *plans.Catalog
	Emails      types.EmailQueue
	Clock       types.Clock
	AppBaseURL  string
	Validator   *core.Validator
	// Endpoints checks OIDC issuer URLs on save. Optional.
	Endpoints EndpointValidator
	Logger    *slog.Logger
}

// NewOrgHandler creates an OrgHandler.
func NewOrgHandler(d OrgHandlerDeps) *OrgHandler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	return &OrgHandler{
		orgs:        d.Orgs,
		members:     d.Members,
		provisioner: d.Provisioner,
		gate:        d.Gate,
		catalog:     d.Catalog,
		emails:      d.Emails,
		clock:       d.Clock,
		appBaseURL:  strings.TrimRight(d.AppBaseURL, "/"),
		validator:   d.Validator,
		endpoints:   d.Endpoints,
		logger:      d.Logger,
	}
}

// RegisterRoutes mounts the org routes. POST /orgs is reachable by users
// who do not belong to an organization yet.
func (h *OrgHandler) RegisterRoutes(r chi.Router) {
	r.Post("/orgs", h.Create)

	r.Route("/org", func(r chi.Router) {
		r.Use(core.RequireOrg)
		r.Get("/", h.Get)

		r.Get("/members", h.ListMembers)
		r.With(core.RequireRole(types.RoleAdmin)).Post("/members", h.InviteMember)
		r.With(core.RequireRole(types.RoleAdmin)).Delete("/members/{memberID}", h.RemoveMember)

		r.With(
			core.RequireRole(types.RoleAdmin),
			core.RequireCapability(h.gate, plans.CapSSO),
		).Put("/sso", h.UpdateSSO)
	})
}

// Create handles POST /v1/orgs. The caller becomes owner of a developer
// plan organization with a fresh billing cycle.
func (h *OrgHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if actor.Type != types.ActorTypeUser {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "only users can create organizations", nil))
		return
	}

	var req CreateOrgRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.clock.Now()
	org := &types.Organization{
		ID:                 types.NewID(types.PrefixOrganization),
		Name:               req.Name,
		OwnerUserID:        actor.UserID,
		PlanID:             types.PlanDeveloper,
		SeatCount:          1,
		BillingCycleStart:  now,
		BillingCycleEnd:    now.Add(types.BillingCycleLength),
		SubscriptionStatus: types.SubStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	owner := &types.Member{
		ID:             types.NewID(types.PrefixMember),
		OrganizationID: org.ID,
		UserID:         actor.UserID,
		Email:          actor.Email,
		Role:           types.RoleOwner,
		Status:         types.MemberStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.provisioner.Provision(r.Context(), org, owner); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "organization created",
		"org_id", org.ID, "user_id", actor.UserID)
	core.Data(w, r, http.StatusCreated, org)
}

// Get handles GET /v1/org.
func (h *OrgHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	orgID := actor.OrganizationID

	var (
		org    *types.Organization
		ent    plans.Entitlements
		active int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		org, err = h.orgs.GetByID(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		ent, err = h.gate.Entitlements(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		active, err = h.members.CountActive(gctx, orgID)
		return err
	})
	if err := g.Wait(); err != nil {
		core.Error(w, r, err)
		return
	}

	plan := h.catalog.Get(ent.Plan)
	org.SSOConfig = org.SSOConfig.Redacted()
	core.Data(w, r, http.StatusOK, OrgDashboard{
		Organization: org,
		Plan:         plan,
		Entitlements: ent,
		Seats: SeatUsage{
			Active:      active,
			Included:    plan.Caps.SeatsIncluded,
			WithinPlan:  h.catalog.Check(plan.ID, plans.Seats(active)).Allowed,
			OverageEach: plan.SeatPriceCents,
		},
		Role: actor.Role,
	})
}

// ListMembers handles GET /v1/org/members.
func (h *OrgHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.members.List(r.Context(), types.GetOrgID(r.Context()))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if members == nil {
		members = []*types.Member{}
	}
	core.Data(w, r, http.StatusOK, members)
}

// InviteMember handles POST /v1/org/members. Seats beyond the plan are
// allowed and billed by the seat overage job.
func (h *OrgHandler) InviteMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req InviteMemberRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.clock.Now()
	m := &types.Member{
		ID:             types.NewID(types.PrefixMember),
		OrganizationID: actor.OrganizationID,
		Email:          req.Email,
		Role:           types.MemberRole(req.Role),
		Status:         types.MemberStatusInvited,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.members.Create(ctx, m); err != nil {
		core.Error(w, r, err)
		return
	}

	h.sendInvite(ctx, actor, m)
	core.Data(w, r, http.StatusCreated, m)
}

func (h *OrgHandler) sendInvite(ctx context.Context, actor types.Actor, m *types.Member) {
	orgName := m.OrganizationID
	if org, err := h.orgs.GetByID(ctx, m.OrganizationID); err == nil {
		orgName = org.Name
	}
	msg := types.EmailMessage{
		ID:             types.NewID(types.PrefixEmail),
		Kind:           types.EmailKindInvite,
		OrganizationID: m.OrganizationID,
		To:             []string{m.Email},
		Subject:        fmt.Sprintf("You've been invited to %s on DevVelocity", orgName),
		Text: fmt.Sprintf("%s invited you to join %s as %s.\n\nSign in at %s to accept.\n",
			actorName(actor), orgName, m.Role, h.appBaseURL),
	}
	// The membership exists either way; a lost email can be re-sent by
	// re-inviting after removal.
	if err := h.emails.Enqueue(ctx, msg); err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue invite email",
			"org_id", m.OrganizationID, "member_id", m.ID, "error", err)
	}
}

// RemoveMember handles DELETE /v1/org/members/{memberID}.
func (h *OrgHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID := types.GetOrgID(r.Context())
	memberID := chi.URLParam(r, "memberID")
	if err := h.members.Remove(r.Context(), orgID, memberID); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "member removed", "org_id", orgID, "member_id", memberID)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSSO handles PUT /v1/org/sso. SAML needs the enterprise SSO level;
// OIDC is enough for basic.
func (h *OrgHandler) UpdateSSO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := types.GetOrgID(ctx)

	var req UpdateSSORequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	var cfg *types.SSOConfig
	if req.Config != nil {
		if err := h.validator.ValidateStruct(req.Config); err != nil {
			core.Error(w, r, err)
			return
		}
		cfg = &types.SSOConfig{
			Protocol:       types.SSOProtocol(req.Config.Protocol),
			IssuerURL:      strings.TrimSpace(req.Config.IssuerURL),
			ClientID:       req.Config.ClientID,
			ClientSecret:   req.Config.ClientSecret,
			IDPSSOURL:      strings.TrimSpace(req.Config.IDPSSOURL),
			IDPIssuer:      req.Config.IDPIssuer,
			IDPCertificate: req.Config.IDPCertificate,
		}
		if cfg.Protocol == types.SSOProtocolOIDC && h.endpoints != nil {
			if err := h.endpoints.ValidateURL(ctx, cfg.IssuerURL); err != nil {
				core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
					"issuer_url must be a public https endpoint", err,
					map[string]any{"field": "issuer_url"}))
				return
			}
		}
		if cfg.Protocol == types.SSOProtocolSAML {
			if err := h.gate.Check(ctx, orgID, plans.Require(plans.CapSAML)); err != nil {
				core.Error(w, r, err)
				return
			}
		}
	}

	if err := h.orgs.UpdateSSOConfig(ctx, orgID, cfg); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "sso configuration updated",
		"org_id", orgID, "enabled", cfg != nil)
	core.Data(w, r, http.StatusOK, map[string]any{"sso_config": cfg.Redacted()})
}
