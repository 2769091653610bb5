package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"devvelocity/internal/core"
	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// =============================================================================
// Shared fakes
// =============================================================================

// recordingUsage captures LogBestEffort calls.
type recordingUsage struct {
	mu    sync.Mutex
	calls []usageCall
}

type usageCall struct {
	OrgID    string
	Counters types.UsageCounters
	Source   string
}

func (u *recordingUsage) LogBestEffort(_ context.Context, orgID string, c types.UsageCounters, source string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{OrgID: orgID, Counters: c, Source: source})
}

// recordingQueue captures enqueued emails.
type recordingQueue struct {
	msgs []types.EmailMessage
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, msg types.EmailMessage) error {
	q.msgs = append(q.msgs, msg)
	return q.err
}

var (
	_ UsageRecorder    = (*recordingUsage)(nil)
	_ types.EmailQueue = (*recordingQueue)(nil)
)

// =============================================================================
// Helpers
// =============================================================================

// gateFor returns a real entitlement gate where every org is on plan.
func gateFor(plan types.PlanID) *core.EntitlementGate {
	return &core.EntitlementGate{
		Plans:   &core.MockPlanResolver{Default: plan},
		Catalog: plans.MustDefault(),
	}
}

// contextWithActor creates a context with an authenticated user actor.
func contextWithActor(orgID string, role types.MemberRole) context.Context {
	ctx := types.WithRequestID(context.Background(), "req_test_123")
	return types.WithActor(ctx, types.Actor{
		UserID:         "user_test_123",
		Email:          "dev@acme.dev",
		Type:           types.ActorTypeUser,
		OrganizationID: orgID,
		Role:           role,
	})
}

// makeRequest builds a JSON request carrying ctx. body may be nil, a
// string (sent verbatim) or any value to marshal.
func makeRequest(method, path string, body any, ctx context.Context) *http.Request {
	var buf []byte
	switch b := body.(type) {
	case nil:
	case string:
		buf = []byte(b)
	default:
		buf, _ = json.Marshal(b)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

// serve mounts register on a fresh router and runs req through it, so
// route-level middleware (org, role and plan gates) is exercised.
func serve(register func(chi.Router), req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	register(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

// decodeData unmarshals the "data" envelope into target.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), "body: %s", rr.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, target), "body: %s", rr.Body.String())
}

// errorBody is the decoded error envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), "body: %s", rr.Body.String())
	return env.Error
}
