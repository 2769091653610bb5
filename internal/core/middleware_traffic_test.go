package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"devvelocity/internal/cache"
	"devvelocity/internal/types"
)

func withOrg(r *http.Request, orgID string) *http.Request {
	return r.WithContext(types.WithActor(r.Context(), types.Actor{UserID: "u1", OrganizationID: orgID, Role: types.RoleOwner}))
}

func TestRateLimit_AllowedSetsHeaders(t *testing.T) {
	s := newTestServer(t)
	reset := time.Now().Add(30 * time.Second)
	store := &MockRateLimitStore{Result: cache.RateLimitResult{Allowed: true, Remaining: 99, ResetAt: reset}}
	s.RateLimitStore = store

	rec := httptest.NewRecorder()
	s.RateLimit(http.HandlerFunc(okHandler)).ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/v1/usage", nil), "org_team"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("limit header = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "99" {
		t.Errorf("remaining header = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != fmt.Sprint(reset.Unix()) {
		t.Errorf("reset header = %q", got)
	}
	if len(store.Calls) != 1 || store.Calls[0].Key != "org:org_team" || store.Calls[0].Window != time.Minute {
		t.Errorf("calls = %+v", store.Calls)
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	s := newTestServer(t)
	s.RateLimitStore = &MockRateLimitStore{Result: cache.RateLimitResult{Allowed: false, ResetAt: time.Now().Add(20 * time.Second)}}

	called := false
	rec := httptest.NewRecorder()
	s.RateLimit(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodPost, "/v1/usage", nil), "org_team"))

	if called {
		t.Fatal("handler must not run")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if code := decodeError(t, rec).Code; code != string(types.ErrCodeRateLimited) {
		t.Errorf("code = %q", code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	s := newTestServer(t)
	s.RateLimitStore = &MockRateLimitStore{Err: errors.New("redis down")}

	rec := httptest.NewRecorder()
	s.RateLimit(http.HandlerFunc(okHandler)).ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/v1/usage", nil), "org_team"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimit_SkipsWithoutOrg(t *testing.T) {
	s := newTestServer(t)
	store := &MockRateLimitStore{}
	s.RateLimitStore = store

	rec := httptest.NewRecorder()
	s.RateLimit(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rec.Code != http.StatusOK || len(store.Calls) != 0 {
		t.Fatalf("status = %d calls = %d", rec.Code, len(store.Calls))
	}
}

func TestRateLimit_WithLocalLimiter(t *testing.T) {
	s := newTestServer(t)
	s.Config.Security.RateLimitPerMinute = 2
	s.RateLimitStore = cache.NewRateLimiter(nil, testLogger())
	h := s.RateLimit(http.HandlerFunc(okHandler))

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/v1/files", nil), "org_team"))
		codes = append(codes, rec.Code)
	}
	// The window may roll over between requests; only the first two are
	// guaranteed to pass.
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("codes = %v", codes)
	}
}

func idempotentRequest(path, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", key)
	return withOrg(req, "org_team")
}

func TestIdempotency_ReplaysCompletedResponse(t *testing.T) {
	s := newTestServer(t)
	s.IdempotencyStore = cache.NewIdempotencyStore(nil)

	var runs atomic.Int32
	h := s.IdempotencyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := runs.Add(1)
		Data(w, r, http.StatusCreated, map[string]int32{"run": n})
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("/v1/usage", "key-1"))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("/v1/usage", "key-1"))

	if runs.Load() != 1 {
		t.Fatalf("handler ran %d times", runs.Load())
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replay status = %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("X-Idempotent-Replayed") != "true" {
		t.Error("missing replay header")
	}
}

func TestIdempotency_ReleasesOnServerError(t *testing.T) {
	s := newTestServer(t)
	s.IdempotencyStore = cache.NewIdempotencyStore(nil)

	var runs atomic.Int32
	h := s.IdempotencyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if runs.Add(1) == 1 {
			Error(w, r, errors.New("boom"))
			return
		}
		Data(w, r, http.StatusCreated, "ok")
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("/v1/usage", "key-2"))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("/v1/usage", "key-2"))

	if first.Code != http.StatusInternalServerError || second.Code != http.StatusCreated {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}

func TestIdempotency_ReleasesOnPanic(t *testing.T) {
	s := newTestServer(t)
	s.IdempotencyStore = cache.NewIdempotencyStore(nil)

	panicking := s.Recoverer(s.IdempotencyMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler blew up")
	})))
	healthy := s.Recoverer(s.IdempotencyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Data(w, r, http.StatusCreated, "ok")
	})))

	first := httptest.NewRecorder()
	panicking.ServeHTTP(first, idempotentRequest("/v1/usage", "key-panic"))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", first.Code)
	}

	retry := httptest.NewRecorder()
	healthy.ServeHTTP(retry, idempotentRequest("/v1/usage", "key-panic"))
	if retry.Code != http.StatusCreated {
		t.Fatalf("retry status = %d, want 201; body %s", retry.Code, retry.Body.String())
	}
}

type stuckStore struct {
	rec *cache.IdempotencyRecord
}

func (s stuckStore) Acquire(context.Context, string, string, string) (*cache.IdempotencyRecord, error) {
	return s.rec, nil
}
func (stuckStore) Complete(context.Context, string, string, string, int, []byte) error { return nil }
func (stuckStore) Release(context.Context, string, string) error                     { return nil }

func TestIdempotency_Conflicts(t *testing.T) {
	tests := []struct {
		name string
		rec  *cache.IdempotencyRecord
	}{
		{"in progress", &cache.IdempotencyRecord{Status: cache.IdempotencyProcessing, Path: "/v1/usage"}},
		{"other path", &cache.IdempotencyRecord{Status: cache.IdempotencyCompleted, Path: "/v1/files", ResponseCode: 201}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.IdempotencyStore = stuckStore{rec: tt.rec}

			rec := httptest.NewRecorder()
			s.IdempotencyMiddleware(http.HandlerFunc(okHandler)).ServeHTTP(rec, idempotentRequest("/v1/usage", "k"))
			if rec.Code != http.StatusConflict {
				t.Fatalf("status = %d", rec.Code)
			}
			if code := decodeError(t, rec).Code; code != string(types.ErrCodeConflictIdempotency) {
				t.Errorf("code = %q", code)
			}
		})
	}
}

func TestIdempotency_PassThrough(t *testing.T) {
	s := newTestServer(t)
	s.IdempotencyStore = stuckStore{rec: &cache.IdempotencyRecord{Status: cache.IdempotencyProcessing}}
	h := s.IdempotencyMiddleware(http.HandlerFunc(okHandler))

	get := withOrg(httptest.NewRequest(http.MethodGet, "/v1/usage", nil), "org_team")
	get.Header.Set("Idempotency-Key", "k")
	noKey := withOrg(httptest.NewRequest(http.MethodPost, "/v1/usage", nil), "org_team")

	for name, req := range map[string]*http.Request{"GET": get, "no key": noKey} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", name, rec.Code)
		}
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	s := newTestServer(t)
	s.IdempotencyStore = cache.NewIdempotencyStore(nil)

	rec := httptest.NewRecorder()
	s.IdempotencyMiddleware(http.HandlerFunc(okHandler)).ServeHTTP(rec, idempotentRequest("/v1/usage", strings.Repeat("k", 256)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
