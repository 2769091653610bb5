package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/core"
	"devvelocity/internal/types"
	"devvelocity/internal/usage"
)

// SourceReporter is the default source for counters posted by CI/CD
// reporters.
const SourceReporter = "reporter"

// UsageService is the usage behavior the handler exposes.
type UsageService interface {
	Log(ctx context.Context, orgID string, c types.UsageCounters, source string) error
	Report(ctx context.Context, orgID string, w types.UsageWindow) (*usage.Report, error)
	ResetCycle(ctx context.Context, orgID string) (types.UsageWindow, error)
}

var _ UsageService = (*usage.Service)(nil)

// LogUsageRequest is the body of POST /v1/usage. Counters are inlined.
type LogUsageRequest struct {
	types.UsageCounters
	Source string `json:"source" validate:"omitempty,max=64"`
}

// UsageHandler serves usage reporting and aggregation.
type UsageHandler struct {
	svc       UsageService
	validator *core.Validator
	logger    *slog.Logger
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(svc UsageService, v *core.Validator, l *slog.Logger) *UsageHandler {
	if l == nil {
		l = slog.Default()
	}
	return &UsageHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts /usage.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/usage", func(r chi.Router) {
		r.Use(core.RequireOrg)
		r.Get("/", h.Get)
		r.Post("/", h.Log)
		r.With(core.RequireRole(types.RoleAdmin)).Post("/reset", h.Reset)
	})
}

// Get handles GET /v1/usage?start=&end=. Both bounds are optional and
// default to the current cycle start and now.
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start"), "start")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	end, err := parseTimeParam(q.Get("end"), "end")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	rep, err := h.svc.Report(r.Context(), types.GetOrgID(r.Context()), types.UsageWindow{Start: start, End: end})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, rep)
}

// Log handles POST /v1/usage.
func (h *UsageHandler) Log(w http.ResponseWriter, r *http.Request) {
	var req LogUsageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	req.Source = strings.TrimSpace(req.Source)
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Source == "" {
		req.Source = SourceReporter
	}

	orgID := types.GetOrgID(r.Context())
	if err := h.svc.Log(r.Context(), orgID, req.UsageCounters, req.Source); err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, map[string]any{"recorded": true})
}

// Reset handles POST /v1/usage/reset.
func (h *UsageHandler) Reset(w http.ResponseWriter, r *http.Request) {
	orgID := types.GetOrgID(r.Context())
	window, err := h.svc.ResetCycle(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, window)
}

// parseTimeParam accepts RFC 3339 timestamps or YYYY-MM-DD dates (UTC
// midnight). Empty input yields the zero time.
func parseTimeParam(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, types.NewAppErrorWithDetails(types.ErrCodeValidationTimeWindow,
		name+" must be an RFC 3339 timestamp or a YYYY-MM-DD date", nil, map[string]any{"field": name})
}
