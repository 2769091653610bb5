package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/core"
	"devvelocity/internal/types"
)

// TemplateStore is the template persistence used by the handler.
type TemplateStore interface {
	Create(ctx context.Context, t *types.Template) (*types.Template, error)
	GetByID(ctx context.Context, orgID, id string) (*types.Template, error)
	List(ctx context.Context, orgID string) ([]*types.Template, error)
	Update(ctx context.Context, t *types.Template) (*types.Template, error)
	Delete(ctx context.Context, orgID, id string) error
}

// TemplateRequest is the body of template create and update.
type TemplateRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Provider    string `json:"provider" validate:"max=64"`
	Content     string `json:"content" validate:"required,max=1000000"`
}

func (t *TemplateRequest) normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.Description = strings.TrimSpace(t.Description)
	t.Provider = strings.ToLower(strings.TrimSpace(t.Provider))
}

// TemplateHandler serves org-scoped template CRUD.
type TemplateHandler struct {
	store     TemplateStore
	validator *core.Validator
	logger    *slog.Logger
}

// NewTemplateHandler creates a TemplateHandler.
func NewTemplateHandler(store TemplateStore, v *core.Validator, l *slog.Logger) *TemplateHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TemplateHandler{store: store, validator: v, logger: l}
}

// RegisterRoutes mounts /templates.
func (h *TemplateHandler) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Use(core.RequireOrg)
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{templateID}", h.Get)
		r.Put("/{templateID}", h.Update)
		r.Delete("/{templateID}", h.Delete)
	})
}

// List handles GET /v1/templates.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.List(r.Context(), types.GetOrgID(r.Context()))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if out == nil {
		out = []*types.Template{}
	}
	core.Data(w, r, http.StatusOK, out)
}

// Create handles POST /v1/templates.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	t, err := h.store.Create(r.Context(), &types.Template{
		ID:             types.NewID(types.PrefixTemplate),
		OrganizationID: actor.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Provider:       req.Provider,
		Content:        req.Content,
		CreatedBy:      actorName(actor),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, t)
}

// Get handles GET /v1/templates/{templateID}.
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetByID(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "templateID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, t)
}

// Update handles PUT /v1/templates/{templateID}.
func (h *TemplateHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	t, err := h.store.Update(r.Context(), &types.Template{
		ID:             chi.URLParam(r, "templateID"),
		OrganizationID: types.GetOrgID(r.Context()),
		Name:           req.Name,
		Description:    req.Description,
		Provider:       req.Provider,
		Content:        req.Content,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, t)
}

// Delete handles DELETE /v1/templates/{templateID}.
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "templateID")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TemplateHandler) decode(w http.ResponseWriter, r *http.Request) (TemplateRequest, bool) {
	var req TemplateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	req.normalize()
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	return req, true
}
