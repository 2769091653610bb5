package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/core"
	"devvelocity/internal/files"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// SourceAPI tags usage rows written by API handlers.
const SourceAPI = "api"

// FileService is the file portal behavior the handler exposes.
type FileService interface {
	Create(ctx context.Context, orgID, filename, content, by string) (*types.File, error)
	Get(ctx context.Context, orgID, id string) (*types.File, error)
	List(ctx context.Context, orgID string, status types.FileStatus) ([]*types.File, error)
	Update(ctx context.Context, orgID, id, content, by string) (*types.File, error)
	Delete(ctx context.Context, orgID, id, by string) (*types.File, error)
	Restore(ctx context.Context, orgID, id, by string) (*types.File, error)
	Versions(ctx context.Context, orgID, id string) ([]*types.FileVersion, error)
	Version(ctx context.Context, orgID, id string, version int) (*types.FileVersion, error)
	RestoreVersion(ctx context.Context, orgID, id string, version int, by string) (*types.File, error)
	Upgrade(ctx context.Context, orgID, id, instructions, by string) (*types.File, error)
	Diff(ctx context.Context, orgID, id string, from, to int) (*files.Diff, error)
}

var _ FileService = (*files.Service)(nil)

// CreateFileRequest is the body of POST /v1/files.
type CreateFileRequest struct {
	Filename string `json:"filename" validate:"required,max=255"`
	Content  string `json:"content" validate:"max=1000000"`
}

// UpdateFileRequest is the body of PUT /v1/files/{fileID}.
type UpdateFileRequest struct {
	Content string `json:"content" validate:"max=1000000"`
}

// UpgradeFileRequest is the body of POST /v1/files/{fileID}/upgrade.
type UpgradeFileRequest struct {
	Instructions string `json:"instructions" validate:"max=4000"`
}

// FileHandler serves the versioned file portal.
type FileHandler struct {
	svc       FileService
	usage     UsageRecorder
	gate      core.Gatekeeper
	validator *core.Validator
	logger    *slog.Logger
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(svc FileService, usage UsageRecorder, gate core.Gatekeeper, v *core.Validator, l *slog.Logger) *FileHandler {
	if l == nil {
		l = slog.Default()
	}
	return &FileHandler{svc: svc, usage: usage, gate: gate, validator: v, logger: l}
}

// RegisterRoutes mounts /files. Reads are open to every plan so content
// stays reachable after a downgrade; writes need the file portal.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	portal := core.RequireCapability(h.gate, plans.CapFilePortal)

	r.Route("/files", func(r chi.Router) {
		r.Use(core.RequireOrg)
		r.Get("/", h.List)
		r.With(portal).Post("/", h.Create)

		r.Route("/{fileID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.With(portal).Put("/", h.Update)
			r.With(portal).Delete("/", h.Delete)
			r.With(portal).Post("/restore", h.Restore)
			r.With(core.RequireCapability(h.gate, plans.CapFilePortal, plans.CapAIBuilder)).Post("/upgrade", h.Upgrade)
			r.Get("/diff", h.Diff)

			r.Get("/versions", h.Versions)
			r.Get("/versions/{version}", h.Version)
			r.With(portal).Post("/versions/{version}/restore", h.RestoreVersion)
		})
	})
}

// List handles GET /v1/files?status=active|deleted.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	status := types.FileStatus(strings.ToLower(r.URL.Query().Get("status")))
	out, err := h.svc.List(r.Context(), types.GetOrgID(r.Context()), status)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if out == nil {
		out = []*types.File{}
	}
	core.Data(w, r, http.StatusOK, out)
}

// Create handles POST /v1/files.
func (h *FileHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req CreateFileRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	f, err := h.svc.Create(r.Context(), actor.OrganizationID, req.Filename, req.Content, actorName(actor))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.usage.LogBestEffort(r.Context(), actor.OrganizationID, types.UsageCounters{FilesUploaded: 1}, SourceAPI)
	core.Data(w, r, http.StatusCreated, f)
}

// Get handles GET /v1/files/{fileID}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.Get(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "fileID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, f)
}

// Update handles PUT /v1/files/{fileID}.
func (h *FileHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req UpdateFileRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	f, err := h.svc.Update(r.Context(), actor.OrganizationID, chi.URLParam(r, "fileID"), req.Content, actorName(actor))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, f)
}

// Delete handles DELETE /v1/files/{fileID}.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Delete, types.UsageCounters{FilesDeleted: 1})
}

// Restore handles POST /v1/files/{fileID}/restore.
func (h *FileHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Restore, types.UsageCounters{FilesRestored: 1})
}

type transitionFunc func(ctx context.Context, orgID, id, by string) (*types.File, error)

func (h *FileHandler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc, counters types.UsageCounters) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	f, err := fn(r.Context(), actor.OrganizationID, chi.URLParam(r, "fileID"), actorName(actor))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.usage.LogBestEffort(r.Context(), actor.OrganizationID, counters, SourceAPI)
	core.Data(w, r, http.StatusOK, f)
}

// Upgrade handles POST /v1/files/{fileID}/upgrade.
func (h *FileHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req UpgradeFileRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	f, err := h.svc.Upgrade(r.Context(), actor.OrganizationID, chi.URLParam(r, "fileID"),
		strings.TrimSpace(req.Instructions), actorName(actor))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.usage.LogBestEffort(r.Context(), actor.OrganizationID, types.UsageCounters{APICalls: 1}, SourceAPI)
	core.Data(w, r, http.StatusOK, f)
}

// Versions handles GET /v1/files/{fileID}/versions.
func (h *FileHandler) Versions(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Versions(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "fileID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if out == nil {
		out = []*types.FileVersion{}
	}
	core.Data(w, r, http.StatusOK, out)
}

// Version handles GET /v1/files/{fileID}/versions/{version}.
func (h *FileHandler) Version(w http.ResponseWriter, r *http.Request) {
	n, err := pathVersion(r, "version")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	v, err := h.svc.Version(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "fileID"), n)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, v)
}

// RestoreVersion handles POST /v1/files/{fileID}/versions/{version}/restore.
func (h *FileHandler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	n, err := pathVersion(r, "version")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	f, err := h.svc.RestoreVersion(r.Context(), actor.OrganizationID, chi.URLParam(r, "fileID"), n, actorName(actor))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, f)
}

// Diff handles GET /v1/files/{fileID}/diff?from=&to=.
func (h *FileHandler) Diff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseVersion(q.Get("from"), "from")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	to, err := parseVersion(q.Get("to"), "to")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	d, err := h.svc.Diff(r.Context(), types.GetOrgID(r.Context()), chi.URLParam(r, "fileID"), from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, d)
}
