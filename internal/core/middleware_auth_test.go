package core

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"devvelocity/internal/types"
)

func TestAuthMiddleware_BearerToken(t *testing.T) {
	s := newTestServer(t)
	auth := &MockAuthenticator{Actor: &types.Actor{
		UserID: "user_1", Email: "a@example.com", Type: types.ActorTypeUser,
		OrganizationID: "org_team", Role: types.RoleAdmin,
	}}
	s.Authenticator = auth

	var got types.Actor
	h := s.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = types.GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/org", nil)
	req.Header.Set("Authorization", "bearer tok_abc")
	req.Header.Set("X-Org-ID", "org_team")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.UserID != "user_1" || got.OrganizationID != "org_team" {
		t.Errorf("actor = %+v", got)
	}
	if len(auth.Calls) != 1 || auth.Calls[0].Token != "tok_abc" || auth.Calls[0].OrgHint != "org_team" {
		t.Errorf("calls = %+v", auth.Calls)
	}
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		authErr  error
		wantCode types.ErrorCode
		want     int
	}{
		{"no credentials", "", nil, types.ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcjpwYXNz", nil, types.ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{"empty bearer", "Bearer ", nil, types.ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{
			"expired token", "Bearer tok",
			types.NewAppError(types.ErrCodeAuthTokenExpired, "expired", nil),
			types.ErrCodeAuthTokenExpired, http.StatusUnauthorized,
		},
		{
			"foreign org", "Bearer tok",
			types.NewAppError(types.ErrCodePermissionOrgMismatch, "not a member", nil),
			types.ErrCodePermissionOrgMismatch, http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.Authenticator = &MockAuthenticator{Err: tt.authErr, Actor: &types.Actor{UserID: "u"}}

			called := false
			h := s.AuthMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
			req := httptest.NewRequest(http.MethodGet, "/v1/org", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if called {
				t.Fatal("handler must not run")
			}
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if code := decodeError(t, rec).Code; code != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestAuthMiddleware_SessionCookie(t *testing.T) {
	s := newTestServer(t)
	s.Sessions = &MockSessionResolver{
		CookieName: "dv_session",
		Actor:      &types.Actor{UserID: "sso:a@example.com", Type: types.ActorTypeSSO, OrganizationID: "org_team", Role: types.RoleMember},
	}

	var got types.Actor
	h := s.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = types.GetActor(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/files", nil)
	req.AddCookie(&http.Cookie{Name: "dv_session", Value: "x"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.Type != types.ActorTypeSSO || got.OrganizationID != "org_team" {
		t.Errorf("actor = %+v", got)
	}
}

func TestAuthMiddleware_BearerWinsOverSession(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = &MockAuthenticator{Actor: &types.Actor{UserID: "bearer", OrganizationID: "org_dev"}}
	s.Sessions = &MockSessionResolver{CookieName: "dv_session", Actor: &types.Actor{UserID: "session"}}

	var got types.Actor
	h := s.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = types.GetActor(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/org", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.AddCookie(&http.Cookie{Name: "dv_session", Value: "x"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.UserID != "bearer" {
		t.Errorf("actor = %q, want bearer", got.UserID)
	}
}

func TestRequireOrg(t *testing.T) {
	h := RequireOrg(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/v1/org", nil)
	req = req.WithContext(types.WithActor(req.Context(), types.Actor{UserID: "u1"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != string(types.ErrCodePermissionNoOrg) {
		t.Errorf("code = %q", code)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		actor types.Actor
		want  int
	}{
		{"owner", types.Actor{Type: types.ActorTypeUser, Role: types.RoleOwner}, http.StatusOK},
		{"admin", types.Actor{Type: types.ActorTypeUser, Role: types.RoleAdmin}, http.StatusOK},
		{"member", types.Actor{Type: types.ActorTypeUser, Role: types.RoleMember}, http.StatusForbidden},
		{"unknown role", types.Actor{Type: types.ActorTypeUser, Role: "guest"}, http.StatusForbidden},
		{"system", types.Actor{Type: types.ActorTypeSystem}, http.StatusOK},
	}
	h := RequireRole(types.RoleAdmin)(http.HandlerFunc(okHandler))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/org/members", nil)
			req = req.WithContext(types.WithActor(req.Context(), tt.actor))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireAdminSecret(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{"match", "admin-secret", "admin-secret", http.StatusOK},
		{"mismatch", "admin-secret", "nope", http.StatusUnauthorized},
		{"missing header", "admin-secret", "", http.StatusUnauthorized},
		{"unset secret rejects all", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.Config.Security.AdminSecret = types.SecretString(tt.configured)

			var actor types.Actor
			h := s.RequireAdminSecret(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				actor, _ = types.GetActor(r.Context())
			}))
			req := httptest.NewRequest(http.MethodPost, "/internal/jobs/seat_overage", nil)
			if tt.sent != "" {
				req.Header.Set("X-Admin-Secret", tt.sent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && actor.Type != types.ActorTypeSystem {
				t.Errorf("actor type = %q, want system", actor.Type)
			}
		})
	}
}
