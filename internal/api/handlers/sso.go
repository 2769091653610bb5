package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"devvelocity/internal/auth"
	"devvelocity/internal/auth/sso"
	"devvelocity/internal/core"
	"devvelocity/internal/types"
)

// SSOService runs the IdP round trip.
type SSOService interface {
	Begin(ctx context.Context, orgID string) (string, auth.LoginState, error)
	CompleteOIDC(ctx context.Context, st auth.LoginState, code string) (auth.Session, error)
	CompleteSAML(ctx context.Context, st auth.LoginState, samlResponse string) (auth.Session, error)
}

var _ SSOService = (*sso.Service)(nil)

// SessionCookies persists login state and sessions in cookies.
type SessionCookies interface {
	Save(w http.ResponseWriter, r *http.Request, sess auth.Session) error
	Clear(w http.ResponseWriter, r *http.Request) error
	SaveLoginState(w http.ResponseWriter, r *http.Request, st auth.LoginState) error
	TakeLoginState(w http.ResponseWriter, r *http.Request, state string) (auth.LoginState, error)
}

var _ SessionCookies = (*auth.SessionStore)(nil)

// SSOHandler serves the browser-facing sign-in routes. They are mounted
// without bearer authentication.
type SSOHandler struct {
	svc        SSOService
	sessions   SessionCookies
	appBaseURL string
	logger     *slog.Logger
}

// NewSSOHandler creates an SSOHandler.
func NewSSOHandler(svc SSOService, sessions SessionCookies, appBaseURL string, l *slog.Logger) *SSOHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SSOHandler{
		svc:        svc,
		sessions:   sessions,
		appBaseURL: strings.TrimRight(appBaseURL, "/"),
		logger:     l,
	}
}

// RegisterRoutes mounts /sso.
func (h *SSOHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sso", func(r chi.Router) {
		r.Get("/login", h.Login)
		r.Get("/callback", h.Callback)
		r.Post("/saml/acs", h.SAMLACS)
		r.Get("/logout", h.Logout)
	})
}

// Login handles GET /v1/sso/login?org=. Plan and configuration problems are
// reported as JSON before any redirect happens.
func (h *SSOHandler) Login(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.URL.Query().Get("org"))
	if orgID == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"org query parameter is required", nil, map[string]any{"field": "org"}))
		return
	}

	target, st, err := h.svc.Begin(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.sessions.SaveLoginState(w, r, st); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to start sign-in", err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback handles GET /v1/sso/callback for OIDC.
func (h *SSOHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if idpErr := q.Get("error"); idpErr != "" {
		h.fail(w, r, types.NewAppError(types.ErrCodeAuthSSOFailed, "identity provider returned "+idpErr, nil))
		return
	}
	st, err := h.sessions.TakeLoginState(w, r, q.Get("state"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.svc.CompleteOIDC(r.Context(), st, q.Get("code"))
	h.finish(w, r, sess, err)
}

// SAMLACS handles POST /v1/sso/saml/acs. RelayState carries the login
// state.
func (h *SSOHandler) SAMLACS(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize*4)
	if err := r.ParseForm(); err != nil {
		h.fail(w, r, types.NewAppError(types.ErrCodeAuthSSOFailed, "malformed SAML post", err))
		return
	}
	st, err := h.sessions.TakeLoginState(w, r, r.PostForm.Get("RelayState"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.svc.CompleteSAML(r.Context(), st, r.PostForm.Get("SAMLResponse"))
	h.finish(w, r, sess, err)
}

// Logout handles GET /v1/sso/logout.
func (h *SSOHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Clear(w, r); err != nil {
		h.logger.WarnContext(r.Context(), "failed to clear sso session", "error", err)
	}
	http.Redirect(w, r, h.appBaseURL+"/", http.StatusFound)
}

func (h *SSOHandler) finish(w http.ResponseWriter, r *http.Request, sess auth.Session, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.sessions.Save(w, r, sess); err != nil {
		h.fail(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to establish session", err))
		return
	}
	http.Redirect(w, r, h.appBaseURL+"/dashboard", http.StatusFound)
}

// fail sends the browser back to the app's login page with an error code
// it can render.
func (h *SSOHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := string(types.ErrCodeAuthSSOFailed)
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		code = string(appErr.Code)
	}
	h.logger.WarnContext(r.Context(), "sso sign-in failed", "code", code, "error", err)
	http.Redirect(w, r, h.appBaseURL+"/login?sso_error="+url.QueryEscape(code), http.StatusFound)
}
