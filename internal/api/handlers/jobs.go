package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/core"
	"devvelocity/internal/scheduler"
	"devvelocity/internal/types"
)

// JobRunner executes a scheduled task.
type JobRunner interface {
	Run(ctx context.Context, p scheduler.Payload) (scheduler.Result, error)
}

var _ JobRunner = (*scheduler.Runner)(nil)

// RunJobRequest is the optional body of POST /internal/jobs/{task}.
type RunJobRequest struct {
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// JobsHandler lets an external cron trigger scheduled tasks over HTTP. It
// is mounted under /internal, behind the admin secret.
type JobsHandler struct {
	runner JobRunner
	logger *slog.Logger
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(runner JobRunner, l *slog.Logger) *JobsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &JobsHandler{runner: runner, logger: l}
}

// RegisterRoutes mounts /jobs.
func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/jobs/{task}", h.Run)
}

// Run handles POST /internal/jobs/{task}. A run skipped because another
// worker holds the lock still answers 200 with skipped set.
func (h *JobsHandler) Run(w http.ResponseWriter, r *http.Request) {
	task, err := scheduler.ParseTask(chi.URLParam(r, "task"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req RunJobRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	res, err := h.runner.Run(r.Context(), scheduler.Payload{Task: task, ReferenceTime: req.ReferenceTime})
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			err = types.NewAppError(types.ErrCodeInternalUnexpected, "job failed", err)
		}
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, res)
}
