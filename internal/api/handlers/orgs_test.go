package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devvelocity/internal/core"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// =============================================================================
// Mocks
// =============================================================================

type mockOrgStore struct {
	getByIDFn         func(ctx context.Context, id string) (*types.Organization, error)
	updateSSOConfigFn func(ctx context.Context, id string, cfg *types.SSOConfig) error
}

func (m *mockOrgStore) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return &types.Organization{ID: id, Name: "Acme", PlanID: types.PlanTeam}, nil
}

func (m *mockOrgStore) UpdateSSOConfig(ctx context.Context, id string, cfg *types.SSOConfig) error {
	if m.updateSSOConfigFn != nil {
		return m.updateSSOConfigFn(ctx, id, cfg)
	}
	return nil
}

type mockMemberStore struct {
	createFn      func(ctx context.Context, m *types.Member) error
	listFn        func(ctx context.Context, orgID string) ([]*types.Member, error)
	removeFn      func(ctx context.Context, orgID, memberID string) error
	countActiveFn func(ctx context.Context, orgID string) (int, error)
}

func (m *mockMemberStore) Create(ctx context.Context, mem *types.Member) error {
	if m.createFn != nil {
		return m.createFn(ctx, mem)
	}
	return nil
}

func (m *mockMemberStore) List(ctx context.Context, orgID string) ([]*types.Member, error) {
	if m.listFn != nil {
		return m.listFn(ctx, orgID)
	}
	return nil, nil
}

func (m *mockMemberStore) Remove(ctx context.Context, orgID, memberID string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, orgID, memberID)
	}
	return nil
}

func (m *mockMemberStore) CountActive(ctx context.Context, orgID string) (int, error) {
	if m.countActiveFn != nil {
		return m.countActiveFn(ctx, orgID)
	}
	return 1, nil
}

type mockProvisioner struct {
	org   *types.Organization
	owner *types.Member
	err   error
}

func (m *mockProvisioner) Provision(_ context.Context, org *types.Organization, owner *types.Member) error {
	m.org, m.owner = org, owner
	return m.err
}

var (
	_ OrgStore       = (*mockOrgStore)(nil)
	_ MemberStore    = (*mockMemberStore)(nil)
	_ OrgProvisioner = (*mockProvisioner)(nil)
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type orgFixture struct {
	orgs    *mockOrgStore
	members *mockMemberStore
	prov    *mockProvisioner
	emails  *recordingQueue
	plan    types.PlanID

	endpoints EndpointValidator
}

func newOrgFixture(plan types.PlanID) *orgFixture {
	return &orgFixture{
		orgs:    &mockOrgStore{},
		members: &mockMemberStore{},
		prov:    &mockProvisioner{},
		emails:  &recordingQueue{},
		plan:    plan,
	}
}

func (f *orgFixture) handler() *OrgHandler {
	return NewOrgHandler(OrgHandlerDeps{
		Orgs:        f.orgs,
		Members:     f.members,
		Provisioner: f.prov,
		Gate:        gateFor(f.plan),
		Catalog:     plans.MustDefault(),
		Emails:      f.emails,
		Clock:       fixedClock{testNow},
		AppBaseURL:  "https://app.devvelocity.io/",
		Validator:   core.NewValidator(),
		Endpoints:   f.endpoints,
	})
}

type endpointFunc func(ctx context.Context, raw string) error

func (f endpointFunc) ValidateURL(ctx context.Context, raw string) error { return f(ctx, raw) }

// =============================================================================
// Create
// =============================================================================

func TestOrgHandler_Create(t *testing.T) {
	f := newOrgFixture(types.PlanDeveloper)
	ctx := contextWithActor("", "")
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/orgs", CreateOrgRequest{Name: "  Acme  "}, ctx))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NotNil(t, f.prov.org)
	assert.Equal(t, "Acme", f.prov.org.Name)
	assert.Equal(t, types.PlanDeveloper, f.prov.org.PlanID)
	assert.Equal(t, 1, f.prov.org.SeatCount)
	assert.Equal(t, testNow, f.prov.org.BillingCycleStart)
	assert.Equal(t, testNow.Add(types.BillingCycleLength), f.prov.org.BillingCycleEnd)

	require.NotNil(t, f.prov.owner)
	assert.Equal(t, f.prov.org.ID, f.prov.owner.OrganizationID)
	assert.Equal(t, types.RoleOwner, f.prov.owner.Role)
	assert.Equal(t, types.MemberStatusActive, f.prov.owner.Status)
	assert.Equal(t, "user_test_123", f.prov.owner.UserID)
}

func TestOrgHandler_Create_RejectsNonUserActors(t *testing.T) {
	f := newOrgFixture(types.PlanDeveloper)
	ctx := types.WithActor(context.Background(), types.Actor{UserID: "u1", Type: types.ActorTypeSSO})
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/orgs", CreateOrgRequest{Name: "Acme"}, ctx))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Nil(t, f.prov.org)
}

func TestOrgHandler_Create_ValidatesName(t *testing.T) {
	f := newOrgFixture(types.PlanDeveloper)
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/orgs", CreateOrgRequest{Name: "   "}, contextWithActor("", "")))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Nil(t, f.prov.org)
}

// =============================================================================
// Get
// =============================================================================

func TestOrgHandler_Get_Dashboard(t *testing.T) {
	f := newOrgFixture(types.PlanStartup)
	f.orgs.getByIDFn = func(_ context.Context, id string) (*types.Organization, error) {
		return &types.Organization{
			ID:     id,
			Name:   "Acme",
			PlanID: types.PlanStartup,
			SSOConfig: &types.SSOConfig{
				Protocol:     types.SSOProtocolOIDC,
				ClientSecret: "super-secret",
			},
		}, nil
	}
	f.members.countActiveFn = func(context.Context, string) (int, error) { return 7, nil }

	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodGet, "/org", nil, contextWithActor("org_1", types.RoleAdmin)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got OrgDashboard
	decodeData(t, rr, &got)
	assert.Equal(t, "org_1", got.Organization.ID)
	assert.Equal(t, "********", got.Organization.SSOConfig.ClientSecret)
	assert.Equal(t, types.PlanStartup, got.Plan.ID)
	assert.True(t, got.Entitlements.FilePortal)
	assert.Equal(t, 7, got.Seats.Active)
	assert.Equal(t, int64(5), got.Seats.Included)
	assert.False(t, got.Seats.WithinPlan)
	assert.Equal(t, int64(1200), got.Seats.OverageEach)
	assert.Equal(t, types.RoleAdmin, got.Role)
}

func TestOrgHandler_Get_RequiresOrg(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodGet, "/org", nil, contextWithActor("", "")))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodePermissionNoOrg), decodeError(t, rr).Code)
}

func TestOrgHandler_Get_StoreError(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	f.orgs.getByIDFn = func(context.Context, string) (*types.Organization, error) {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodGet, "/org", nil, contextWithActor("org_1", types.RoleOwner)))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// =============================================================================
// Members
// =============================================================================

func TestOrgHandler_ListMembers_EmptyIsArray(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodGet, "/org/members", nil, contextWithActor("org_1", types.RoleMember)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":[]}`, rr.Body.String())
}

func TestOrgHandler_InviteMember(t *testing.T) {
	f := newOrgFixture(types.PlanDeveloper)
	var created *types.Member
	f.members.createFn = func(_ context.Context, m *types.Member) error {
		created = m
		return nil
	}

	body := InviteMemberRequest{Email: " New.Dev@Acme.DEV ", Role: "member"}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/org/members", body, contextWithActor("org_1", types.RoleAdmin)))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NotNil(t, created)
	assert.Equal(t, "new.dev@acme.dev", created.Email)
	assert.Equal(t, types.MemberStatusInvited, created.Status)
	assert.Equal(t, "org_1", created.OrganizationID)

	require.Len(t, f.emails.msgs, 1)
	msg := f.emails.msgs[0]
	assert.Equal(t, types.EmailKindInvite, msg.Kind)
	assert.Equal(t, []string{"new.dev@acme.dev"}, msg.To)
	assert.Contains(t, msg.Subject, "Acme")
	assert.Contains(t, msg.Text, "https://app.devvelocity.io")
}

func TestOrgHandler_InviteMember_EmailFailureStillCreated(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	f.emails.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "queue down", nil)

	body := InviteMemberRequest{Email: "a@b.dev", Role: "admin"}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/org/members", body, contextWithActor("org_1", types.RoleOwner)))
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestOrgHandler_InviteMember_Validation(t *testing.T) {
	tests := []struct {
		name string
		body InviteMemberRequest
	}{
		{"bad email", InviteMemberRequest{Email: "not-an-email", Role: "member"}},
		{"owner role not invitable", InviteMemberRequest{Email: "a@b.dev", Role: "owner"}},
		{"missing role", InviteMemberRequest{Email: "a@b.dev"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrgFixture(types.PlanTeam)
			rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/org/members", tt.body, contextWithActor("org_1", types.RoleAdmin)))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, f.emails.msgs)
		})
	}
}

func TestOrgHandler_InviteMember_RequiresAdmin(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	body := InviteMemberRequest{Email: "a@b.dev", Role: "member"}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPost, "/org/members", body, contextWithActor("org_1", types.RoleMember)))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodePermissionRole), decodeError(t, rr).Code)
}

func TestOrgHandler_RemoveMember(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	var gotOrg, gotMember string
	f.members.removeFn = func(_ context.Context, orgID, memberID string) error {
		gotOrg, gotMember = orgID, memberID
		return nil
	}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodDelete, "/org/members/mem_9", nil, contextWithActor("org_1", types.RoleAdmin)))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "org_1", gotOrg)
	assert.Equal(t, "mem_9", gotMember)
}

// =============================================================================
// SSO configuration
// =============================================================================

func TestOrgHandler_UpdateSSO_OIDC(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	var saved *types.SSOConfig
	f.orgs.updateSSOConfigFn = func(_ context.Context, _ string, cfg *types.SSOConfig) error {
		saved = cfg
		return nil
	}

	body := UpdateSSORequest{Config: &SSOConfigInput{
		Protocol:     "oidc",
		IssuerURL:    "https://idp.example.com",
		ClientID:     "client",
		ClientSecret: "secret",
	}}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPut, "/org/sso", body, contextWithActor("org_1", types.RoleAdmin)))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotNil(t, saved)
	assert.Equal(t, "secret", saved.ClientSecret)
	assert.NotContains(t, rr.Body.String(), `"secret"`)
}

func TestOrgHandler_UpdateSSO_RejectsPrivateIssuer(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	var checked string
	f.endpoints = endpointFunc(func(_ context.Context, raw string) error {
		checked = raw
		return errors.New("resolves to 10.0.0.7")
	})
	f.orgs.updateSSOConfigFn = func(context.Context, string, *types.SSOConfig) error {
		t.Fatal("config must not be saved")
		return nil
	}

	body := UpdateSSORequest{Config: &SSOConfigInput{
		Protocol:     "oidc",
		IssuerURL:    "https://idp.internal.acme.io",
		ClientID:     "client",
		ClientSecret: "secret",
	}}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPut, "/org/sso", body, contextWithActor("org_1", types.RoleAdmin)))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "https://idp.internal.acme.io", checked)
	e := decodeError(t, rr)
	assert.Equal(t, string(types.ErrCodeValidationInvalidField), e.Code)
	assert.Equal(t, "issuer_url", e.Details["field"])
}

func TestOrgHandler_UpdateSSO_SAMLNeedsEnterprise(t *testing.T) {
	f := newOrgFixture(types.PlanTeam)
	body := UpdateSSORequest{Config: &SSOConfigInput{
		Protocol:       "saml",
		IDPSSOURL:      "https://idp.example.com/sso",
		IDPIssuer:      "idp",
		IDPCertificate: "MIIC...",
	}}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPut, "/org/sso", body, contextWithActor("org_1", types.RoleOwner)))

	require.Equal(t, http.StatusForbidden, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, string(types.ErrCodePlanUpgradeRequired), e.Code)
	assert.Equal(t, true, e.Details["upgrade_required"])
	assert.Equal(t, "enterprise", e.Details["suggested_plan"])
	assert.Equal(t, "sso_saml", e.Details["capability"])
}

func TestOrgHandler_UpdateSSO_GatedOnPlan(t *testing.T) {
	f := newOrgFixture(types.PlanStartup)
	body := UpdateSSORequest{Config: &SSOConfigInput{Protocol: "oidc", IssuerURL: "https://idp.example.com", ClientID: "c", ClientSecret: "s"}}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPut, "/org/sso", body, contextWithActor("org_1", types.RoleOwner)))

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "sso", decodeError(t, rr).Details["capability"])
}

func TestOrgHandler_UpdateSSO_NullDisables(t *testing.T) {
	f := newOrgFixture(types.PlanEnterprise)
	called := false
	f.orgs.updateSSOConfigFn = func(_ context.Context, _ string, cfg *types.SSOConfig) error {
		called = true
		assert.Nil(t, cfg)
		return nil
	}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPut, "/org/sso", `{"config":null}`, contextWithActor("org_1", types.RoleOwner)))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, called)
}

func TestOrgHandler_UpdateSSO_OIDCMissingFields(t *testing.T) {
	f := newOrgFixture(types.PlanEnterprise)
	body := UpdateSSORequest{Config: &SSOConfigInput{Protocol: "oidc"}}
	rr := serve(f.handler().RegisterRoutes, makeRequest(http.MethodPut, "/org/sso", body, contextWithActor("org_1", types.RoleOwner)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
