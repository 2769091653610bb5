package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// --- Mocks ---

type mockOrgStore struct {
	mock.Mock
}

func (m *mockOrgStore) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	args := m.Called(ctx, id)
	if o := args.Get(0); o != nil {
		return o.(*types.Organization), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOrgStore) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrgStore) UpdateBillingCycle(ctx context.Context, id string, start, end time.Time) error {
	args := m.Called(ctx, id, start, end)
	return args.Error(0)
}

// memLogStore is an in-memory usage log honoring the half-open window.
type memLogStore struct {
	entries   []types.UsageLogEntry
	appendErr error
}

func (s *memLogStore) Append(_ context.Context, e *types.UsageLogEntry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *memLogStore) Sum(_ context.Context, orgID string, start, end time.Time) (types.UsageCounters, error) {
	var total types.UsageCounters
	for _, e := range s.entries {
		if e.OrganizationID != orgID || e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		total = total.Add(e.Counters)
	}
	return total, nil
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setup(t *testing.T) (*Service, *mockOrgStore, *memLogStore, *stepClock) {
	t.Helper()
	orgs := new(mockOrgStore)
	logs := &memLogStore{}
	clock := &stepClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := NewService(orgs, logs, plans.MustDefault(), clock, nil)
	return svc, orgs, logs, clock
}

// --- Log ---

func TestLog_RejectsNegativeCounters(t *testing.T) {
	svc, orgs, logs, _ := setup(t)

	err := svc.Log(context.Background(), "org_1", types.UsageCounters{BuildMinutes: 5, APICalls: -1}, "ci")

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationNegativeCount, appErr.Code)
	assert.Equal(t, []string{"api_calls"}, appErr.Details["fields"])
	assert.Empty(t, logs.entries)
	orgs.AssertNotCalled(t, "Exists", mock.Anything, mock.Anything)
}

func TestLog_UnknownOrg(t *testing.T) {
	svc, orgs, logs, _ := setup(t)
	orgs.On("Exists", mock.Anything, "org_missing").Return(false, nil)

	err := svc.Log(context.Background(), "org_missing", types.UsageCounters{APICalls: 1}, "api")

	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundOrg))
	assert.Empty(t, logs.entries)
}

func TestLog_AppendsRow(t *testing.T) {
	svc, orgs, logs, clock := setup(t)
	orgs.On("Exists", mock.Anything, "org_1").Return(true, nil)

	err := svc.Log(context.Background(), "org_1", types.UsageCounters{PipelineRuns: 2}, "ci")

	require.NoError(t, err)
	require.Len(t, logs.entries, 1)
	e := logs.entries[0]
	assert.Equal(t, int64(2), e.Counters.PipelineRuns)
	assert.Equal(t, "ci", e.Source)
	assert.False(t, e.IsCycleReset)
	assert.Equal(t, clock.now, e.CreatedAt)
	assert.Contains(t, e.ID, types.PrefixUsageLog)
}

func TestLogBestEffort_SwallowsErrors(t *testing.T) {
	svc, orgs, logs, _ := setup(t)
	orgs.On("Exists", mock.Anything, "org_1").Return(true, nil)
	logs.appendErr = errors.New("db down")

	assert.NotPanics(t, func() {
		svc.LogBestEffort(context.Background(), "org_1", types.UsageCounters{FilesUploaded: 1}, "files")
	})
}

// --- Aggregate ---

func TestAggregate_SumIsOrderIndependent(t *testing.T) {
	svc, orgs, _, clock := setup(t)
	cycleStart := clock.now.Add(-time.Hour)
	orgs.On("Exists", mock.Anything, "org_1").Return(true, nil)
	orgs.On("GetByID", mock.Anything, "org_1").
		Return(&types.Organization{ID: "org_1", PlanID: types.PlanTeam, BillingCycleStart: cycleStart}, nil)

	rows := []types.UsageCounters{
		{BuildMinutes: 10, APICalls: 3},
		{PipelineRuns: 4, FilesUploaded: 1},
		{BuildMinutes: 7, FilesDeleted: 2, FilesRestored: 1},
	}
	var want types.UsageCounters
	for _, c := range rows {
		require.NoError(t, svc.Log(context.Background(), "org_1", c, "ci"))
		want = want.Add(c)
		clock.Advance(time.Second)
	}

	got, w, err := svc.Aggregate(context.Background(), "org_1", types.UsageWindow{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, cycleStart, w.Start)
	assert.Equal(t, clock.now, w.End)
}

func TestAggregate_NoRowsIsZero(t *testing.T) {
	svc, _, _, clock := setup(t)

	got, _, err := svc.Aggregate(context.Background(), "org_1", types.UsageWindow{
		Start: clock.now.Add(-time.Hour),
		End:   clock.now,
	})
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestAggregate_InvertedWindow(t *testing.T) {
	svc, _, _, clock := setup(t)

	_, _, err := svc.Aggregate(context.Background(), "org_1", types.UsageWindow{
		Start: clock.now,
		End:   clock.now.Add(-time.Minute),
	})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationTimeWindow))
}

func TestAggregate_OrgLookupFails(t *testing.T) {
	svc, orgs, _, _ := setup(t)
	orgs.On("GetByID", mock.Anything, "org_x").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil))

	_, _, err := svc.Aggregate(context.Background(), "org_x", types.UsageWindow{})
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundOrg))
}

// --- Report ---

func TestReport_StartupOverBuildMinutes(t *testing.T) {
	svc, orgs, _, clock := setup(t)
	orgs.On("Exists", mock.Anything, "org_1").Return(true, nil)
	orgs.On("GetByID", mock.Anything, "org_1").
		Return(&types.Organization{ID: "org_1", PlanID: types.PlanStartup, BillingCycleStart: clock.now.Add(-time.Minute)}, nil)

	require.NoError(t, svc.Log(context.Background(), "org_1", types.UsageCounters{BuildMinutes: 250}, "ci"))
	clock.Advance(time.Second)

	report, err := svc.Report(context.Background(), "org_1", types.UsageWindow{})
	require.NoError(t, err)

	assert.Equal(t, int64(250), report.Totals.BuildMinutes)
	assert.True(t, report.Exceeded)
	require.Len(t, report.Caps, 3)
	build := report.Caps[0]
	assert.Equal(t, MetricBuildMinutes, build.Metric)
	assert.Equal(t, int64(200), build.Limit)
	assert.True(t, build.Exceeded)
	assert.Equal(t, int64(50), build.Overage)
	assert.False(t, report.Caps[1].Exceeded)
}

// --- ResetCycle ---

func TestResetCycle_ThenAggregateIsZero(t *testing.T) {
	svc, orgs, logs, clock := setup(t)
	orgs.On("Exists", mock.Anything, "org_1").Return(true, nil)

	require.NoError(t, svc.Log(context.Background(), "org_1", types.UsageCounters{BuildMinutes: 90, APICalls: 40}, "ci"))
	clock.Advance(time.Minute)

	resetAt := clock.now
	orgs.On("UpdateBillingCycle", mock.Anything, "org_1", resetAt, resetAt.Add(types.BillingCycleLength)).Return(nil)

	w, err := svc.ResetCycle(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, resetAt, w.Start)
	assert.Equal(t, 30*24*time.Hour, w.End.Sub(w.Start))

	require.Len(t, logs.entries, 2)
	marker := logs.entries[1]
	assert.True(t, marker.IsCycleReset)
	assert.True(t, marker.Counters.IsZero())
	assert.Equal(t, SourceCycleReset, marker.Source)

	clock.Advance(time.Second)
	got, _, err := svc.Aggregate(context.Background(), "org_1", types.UsageWindow{Start: w.Start})
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	orgs.AssertExpectations(t)
}

func TestResetCycle_UpdateFails(t *testing.T) {
	svc, orgs, logs, _ := setup(t)
	orgs.On("UpdateBillingCycle", mock.Anything, "org_x", mock.Anything, mock.Anything).
		Return(types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil))

	_, err := svc.ResetCycle(context.Background(), "org_x")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundOrg))
	assert.Empty(t, logs.entries)
}
