package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devvelocity/internal/core"
	"devvelocity/internal/external"
	"devvelocity/internal/types"
)

type mockAIStore struct {
	answers []*types.AIBuilderAnswers
	builds  []*types.AIBuild

	insertBuildErr error
	getBuildFn     func(ctx context.Context, orgID, id string) (*types.AIBuild, error)
}

func (m *mockAIStore) InsertAnswers(_ context.Context, a *types.AIBuilderAnswers) error {
	m.answers = append(m.answers, a)
	return nil
}

func (m *mockAIStore) InsertBuild(_ context.Context, b *types.AIBuild) error {
	if m.insertBuildErr != nil {
		return m.insertBuildErr
	}
	m.builds = append(m.builds, b)
	return nil
}

func (m *mockAIStore) GetBuild(ctx context.Context, orgID, id string) (*types.AIBuild, error) {
	if m.getBuildFn != nil {
		return m.getBuildFn(ctx, orgID, id)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundBuild, "build not found", nil)
}

func (m *mockAIStore) ListBuilds(_ context.Context, orgID string, _ int) ([]*types.AIBuild, error) {
	var out []*types.AIBuild
	for _, b := range m.builds {
		if b.OrganizationID == orgID {
			out = append(out, b)
		}
	}
	return out, nil
}

type mockGenerator struct {
	plan string
	err  error
	got  *external.PlanRequest
}

func (g *mockGenerator) GeneratePlan(_ context.Context, req external.PlanRequest) (string, error) {
	g.got = &req
	return g.plan, g.err
}

func (g *mockGenerator) Model() string { return "gpt-test" }

var (
	_ AIBuilderStore         = (*mockAIStore)(nil)
	_ external.PlanGenerator = (*mockGenerator)(nil)
)

func newAIHandler(plan types.PlanID, store *mockAIStore, gen *mockGenerator, usage *recordingUsage) *AIBuilderHandler {
	return NewAIBuilderHandler(store, gen, usage, gateFor(plan), core.NewValidator(), nil)
}

func TestAIBuilderHandler_Create(t *testing.T) {
	store := &mockAIStore{}
	gen := &mockGenerator{plan: "## Plan\n1. Provision VPC"}
	usage := &recordingUsage{}
	h := newAIHandler(types.PlanStartup, store, gen, usage)

	body := map[string]any{
		"providers":  []string{" AWS ", "gcp"},
		"automation": "Standard",
		"answers":    map[string]any{"team_size": 4},
	}
	rr := serve(h.RegisterRoutes, makeRequest(http.MethodPost, "/ai/builds", body, contextWithActor("org_1", types.RoleMember)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var got types.AIBuild
	decodeData(t, rr, &got)
	assert.Equal(t, types.BuildStatusCompleted, got.Status)
	assert.Equal(t, []string{"aws", "gcp"}, got.Providers)
	assert.Equal(t, "standard", got.Automation)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, "## Plan\n1. Provision VPC", got.Plan)

	require.Len(t, store.answers, 1)
	assert.Equal(t, store.answers[0].ID, got.AnswersID)
	assert.Equal(t, "user_test_123", store.answers[0].UserID)
	require.NotNil(t, gen.got)
	assert.Equal(t, []string{"aws", "gcp"}, gen.got.Providers)

	require.Len(t, usage.calls, 1)
	assert.Equal(t, types.UsageCounters{APICalls: 1}, usage.calls[0].Counters)
	assert.Equal(t, SourceAPI, usage.calls[0].Source)
}

func TestAIBuilderHandler_Create_PlanGates(t *testing.T) {
	tests := []struct {
		name       string
		plan       types.PlanID
		providers  []string
		automation string
		capability string
	}{
		{"developer has no ai builder", types.PlanDeveloper, []string{"aws"}, "basic", "ai_builder"},
		{"startup provider cap", types.PlanStartup, []string{"aws", "gcp", "azure", "fly"}, "basic", "providers"},
		{"startup automation level", types.PlanStartup, []string{"aws"}, "advanced", "advanced_automation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockAIStore{}
			gen := &mockGenerator{plan: "unused"}
			usage := &recordingUsage{}
			h := newAIHandler(tt.plan, store, gen, usage)

			body := map[string]any{"providers": tt.providers, "automation": tt.automation}
			rr := serve(h.RegisterRoutes, makeRequest(http.MethodPost, "/ai/builds", body, contextWithActor("org_1", types.RoleMember)))

			require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())
			e := decodeError(t, rr)
			assert.Equal(t, string(types.ErrCodePlanUpgradeRequired), e.Code)
			assert.Equal(t, tt.capability, e.Details["capability"])
			assert.Nil(t, gen.got)
			assert.Empty(t, store.builds)
			assert.Empty(t, usage.calls)
		})
	}
}

func TestAIBuilderHandler_Create_TeamAllowsAdvanced(t *testing.T) {
	h := newAIHandler(types.PlanTeam, &mockAIStore{}, &mockGenerator{plan: "ok"}, &recordingUsage{})
	body := map[string]any{"providers": []string{"aws", "gcp", "azure", "fly"}, "automation": "advanced"}
	rr := serve(h.RegisterRoutes, makeRequest(http.MethodPost, "/ai/builds", body, contextWithActor("org_1", types.RoleMember)))
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestAIBuilderHandler_Create_GenerationFailure(t *testing.T) {
	store := &mockAIStore{}
	gen := &mockGenerator{err: types.NewAppError(types.ErrCodeUpstreamOpenAI, "plan generation failed", nil)}
	usage := &recordingUsage{}
	h := newAIHandler(types.PlanStartup, store, gen, usage)

	body := map[string]any{"providers": []string{"aws"}, "automation": "basic"}
	rr := serve(h.RegisterRoutes, makeRequest(http.MethodPost, "/ai/builds", body, contextWithActor("org_1", types.RoleMember)))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	require.Len(t, store.builds, 1)
	assert.Equal(t, types.BuildStatusFailed, store.builds[0].Status)
	assert.NotEmpty(t, store.builds[0].Error)
	assert.Empty(t, usage.calls)
}

func TestAIBuilderHandler_Create_Validation(t *testing.T) {
	h := newAIHandler(types.PlanEnterprise, &mockAIStore{}, &mockGenerator{}, &recordingUsage{})
	ctx := contextWithActor("org_1", types.RoleMember)

	for name, body := range map[string]any{
		"no providers":       map[string]any{"providers": []string{}, "automation": "basic"},
		"bad automation":     map[string]any{"providers": []string{"aws"}, "automation": "magic"},
		"duplicate provider": map[string]any{"providers": []string{"aws", "AWS"}, "automation": "basic"},
	} {
		t.Run(name, func(t *testing.T) {
			rr := serve(h.RegisterRoutes, makeRequest(http.MethodPost, "/ai/builds", body, ctx))
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestAIBuilderHandler_GetAndList(t *testing.T) {
	store := &mockAIStore{
		builds: []*types.AIBuild{
			{ID: "aib_1", OrganizationID: "org_1", Status: types.BuildStatusCompleted},
			{ID: "aib_2", OrganizationID: "org_2", Status: types.BuildStatusCompleted},
		},
	}
	store.getBuildFn = func(_ context.Context, orgID, id string) (*types.AIBuild, error) {
		for _, b := range store.builds {
			if b.ID == id && b.OrganizationID == orgID {
				return b, nil
			}
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundBuild, "build not found", nil)
	}
	h := newAIHandler(types.PlanStartup, store, &mockGenerator{}, &recordingUsage{})
	ctx := contextWithActor("org_1", types.RoleMember)

	rr := serve(h.RegisterRoutes, makeRequest(http.MethodGet, "/ai/builds", nil, ctx))
	require.Equal(t, http.StatusOK, rr.Code)
	var list []types.AIBuild
	decodeData(t, rr, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "aib_1", list[0].ID)

	rr = serve(h.RegisterRoutes, makeRequest(http.MethodGet, "/ai/builds/aib_2", nil, ctx))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
