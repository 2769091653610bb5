package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/core"
	"devvelocity/internal/external"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// AIBuilderStore persists questionnaires and builds.
type AIBuilderStore interface {
	InsertAnswers(ctx context.Context, a *types.AIBuilderAnswers) error
	InsertBuild(ctx context.Context, b *types.AIBuild) error
	GetBuild(ctx context.Context, orgID, id string) (*types.AIBuild, error)
	ListBuilds(ctx context.Context, orgID string, limit int) ([]*types.AIBuild, error)
}

// CreateBuildRequest is the body of POST /v1/ai/builds.
type CreateBuildRequest struct {
	Providers  []string       `json:"providers" validate:"required,min=1,max=10,unique,dive,required,max=32"`
	Automation string         `json:"automation" validate:"required,oneof=basic standard advanced enterprise"`
	Answers    map[string]any `json:"answers" validate:"max=50"`
}

// needsAdvancedAutomation reports whether the requested level is gated.
func (r CreateBuildRequest) needsAdvancedAutomation() bool {
	switch plans.AutomationLevel(r.Automation) {
	case plans.AutomationAdvanced, plans.AutomationEnterprise:
		return true
	}
	return false
}

// AIBuilderHandler serves AI plan generation.
type AIBuilderHandler struct {
	store     AIBuilderStore
	generator external.PlanGenerator
	usage     UsageRecorder
	gate      core.Gatekeeper
	validator *core.Validator
	logger    *slog.Logger
}

// NewAIBuilderHandler creates an AIBuilderHandler.
func NewAIBuilderHandler(
	store AIBuilderStore,
	generator external.PlanGenerator,
	usage UsageRecorder,
	gate core.Gatekeeper,
	v *core.Validator,
	l *slog.Logger,
) *AIBuilderHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AIBuilderHandler{store: store, generator: generator, usage: usage, gate: gate, validator: v, logger: l}
}

// RegisterRoutes mounts /ai/builds.
func (h *AIBuilderHandler) RegisterRoutes(r chi.Router) {
	r.Route("/ai/builds", func(r chi.Router) {
		r.Use(core.RequireOrg)
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{buildID}", h.Get)
	})
}

// Create handles POST /v1/ai/builds. The plan gate depends on the number
// of providers and the automation level in the body, so it runs here.
func (h *AIBuilderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateBuildRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	for i, p := range req.Providers {
		req.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}
	req.Automation = strings.ToLower(strings.TrimSpace(req.Automation))
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	reqs := []plans.Request{plans.Require(plans.CapAIBuilder), plans.Providers(len(req.Providers))}
	if req.needsAdvancedAutomation() {
		reqs = append(reqs, plans.Require(plans.CapAdvancedAutomation))
	}
	if err := h.gate.Check(ctx, actor.OrganizationID, reqs...); err != nil {
		core.Error(w, r, err)
		return
	}

	answers := &types.AIBuilderAnswers{
		ID:             types.NewID(types.PrefixAIAnswers),
		OrganizationID: actor.OrganizationID,
		UserID:         actor.UserID,
		Answers:        types.EventMetadata(req.Answers),
	}
	if answers.Answers == nil {
		answers.Answers = types.EventMetadata{}
	}
	if err := h.store.InsertAnswers(ctx, answers); err != nil {
		core.Error(w, r, err)
		return
	}

	build := &types.AIBuild{
		ID:             types.NewID(types.PrefixAIBuild),
		OrganizationID: actor.OrganizationID,
		AnswersID:      answers.ID,
		Providers:      slices.Clone(req.Providers),
		Automation:     req.Automation,
		Model:          h.generator.Model(),
		Status:         types.BuildStatusCompleted,
	}

	plan, genErr := h.generator.GeneratePlan(ctx, external.PlanRequest{
		Providers:  req.Providers,
		Automation: req.Automation,
		Answers:    req.Answers,
	})
	if genErr != nil {
		build.Status = types.BuildStatusFailed
		build.Error = genErr.Error()
	} else {
		build.Plan = plan
	}

	if err := h.store.InsertBuild(ctx, build); err != nil {
		if genErr != nil {
			h.logger.ErrorContext(ctx, "failed to store failed ai build", "org_id", actor.OrganizationID, "error", err)
			core.Error(w, r, genErr)
			return
		}
		core.Error(w, r, err)
		return
	}
	if genErr != nil {
		h.logger.WarnContext(ctx, "ai plan generation failed",
			"org_id", actor.OrganizationID, "build_id", build.ID, "error", genErr)
		core.Error(w, r, genErr)
		return
	}

	h.usage.LogBestEffort(ctx, actor.OrganizationID, types.UsageCounters{APICalls: 1}, SourceAPI)
	core.Data(w, r, http.StatusCreated, build)
}

// List handles GET /v1/ai/builds.
func (h *AIBuilderHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := h.store.ListBuilds(r.Context(), types.GetOrgID(r.Context()), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if out == nil {
		out = []*types.AIBuild{}
	}
	core.Data(w, r, http.StatusOK, out)
}

// Get handles GET /v1/ai/builds/{buildID}.
func (h *AIBuilderHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBuild(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "buildID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, b)
}
