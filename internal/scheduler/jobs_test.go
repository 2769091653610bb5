package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"devvelocity/internal/billing"
	"devvelocity/internal/db"
	"devvelocity/internal/types"
	"devvelocity/internal/usage"
)

// --- cycle rollover ---

// fakeExpired serves rows in (CycleEnd, OrganizationID) order after the
// cursor. Rows are never removed, like an org whose reset keeps failing.
type fakeExpired struct {
	rows  []db.CycleCursor
	calls int
}

func (f *fakeExpired) ListCycleExpired(_ context.Context, _ time.Time, after db.CycleCursor, limit int) ([]db.CycleCursor, error) {
	f.calls++
	var out []db.CycleCursor
	for _, r := range f.rows {
		if !cursorAfter(r, after) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func cursorAfter(r, c db.CycleCursor) bool {
	if !r.CycleEnd.Equal(c.CycleEnd) {
		return r.CycleEnd.After(c.CycleEnd)
	}
	return r.OrganizationID > c.OrganizationID
}

func expiredRows(end time.Time, ids ...string) []db.CycleCursor {
	out := make([]db.CycleCursor, len(ids))
	for i, id := range ids {
		out[i] = db.CycleCursor{CycleEnd: end, OrganizationID: id}
	}
	return out
}

type fakeResetter struct {
	fail  map[string]bool
	reset []string
}

func (f *fakeResetter) ResetCycle(_ context.Context, orgID string) (types.UsageWindow, error) {
	f.reset = append(f.reset, orgID)
	if f.fail[orgID] {
		return types.UsageWindow{}, errors.New("update failed")
	}
	return types.UsageWindow{}, nil
}

func TestCycleRollover_Run(t *testing.T) {
	orgs := &fakeExpired{rows: expiredRows(runnerNow.Add(-time.Hour), "org_a", "org_b", "org_c")}
	resetter := &fakeResetter{fail: map[string]bool{"org_b": true}}

	got, err := NewCycleRollover(orgs, resetter, nil).Run(context.Background(), runnerNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Processed != 3 || got.Failed != 1 {
		t.Errorf("counts = %+v, want 3 processed 1 failed", got)
	}
	if strings.Join(resetter.reset, ",") != "org_a,org_b,org_c" {
		t.Errorf("reset order = %v", resetter.reset)
	}
}

func TestCycleRollover_Run_FailuresDoNotBlockLaterPages(t *testing.T) {
	// A full page of orgs that always fail, ending earlier than the
	// healthy orgs behind them.
	failing := make([]string, rolloverPageSize)
	fail := make(map[string]bool, len(failing))
	for i := range failing {
		failing[i] = fmt.Sprintf("org_f%03d", i)
		fail[failing[i]] = true
	}
	rows := expiredRows(runnerNow.Add(-48*time.Hour), failing...)
	rows = append(rows, expiredRows(runnerNow.Add(-time.Hour), "org_late_1", "org_late_2")...)

	orgs := &fakeExpired{rows: rows}
	resetter := &fakeResetter{fail: fail}

	got, err := NewCycleRollover(orgs, resetter, nil).Run(context.Background(), runnerNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Processed != rolloverPageSize+2 || got.Failed != rolloverPageSize {
		t.Errorf("counts = %+v", got)
	}
	if n := len(resetter.reset); n < 2 || resetter.reset[n-2] != "org_late_1" || resetter.reset[n-1] != "org_late_2" {
		t.Errorf("later orgs were not reset: tail %v", resetter.reset[max(0, n-2):])
	}
	if orgs.calls != 2 {
		t.Errorf("list calls = %d, want 2", orgs.calls)
	}
}

func TestCycleRollover_Run_TiesOnCycleEndPageByID(t *testing.T) {
	ids := make([]string, rolloverPageSize+5)
	for i := range ids {
		ids[i] = fmt.Sprintf("org_%03d", i)
	}
	orgs := &fakeExpired{rows: expiredRows(runnerNow.Add(-time.Hour), ids...)}
	resetter := &fakeResetter{}

	got, err := NewCycleRollover(orgs, resetter, nil).Run(context.Background(), runnerNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Processed != len(ids) || len(resetter.reset) != len(ids) {
		t.Errorf("processed %d, reset %d, want %d", got.Processed, len(resetter.reset), len(ids))
	}
}

// --- cap alerts ---

type fakeIDs struct{ ids []string }

func (f *fakeIDs) ListIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	var out []string
	for _, id := range f.ids {
		if id > afterID && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeReporter struct {
	reports map[string]*usage.Report
	windows []types.UsageWindow
}

func (f *fakeReporter) Report(_ context.Context, orgID string, w types.UsageWindow) (*usage.Report, error) {
	f.windows = append(f.windows, w)
	rep, ok := f.reports[orgID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return rep, nil
}

type fakeMembers struct{ byOrg map[string][]*types.Member }

func (f *fakeMembers) List(_ context.Context, orgID string) ([]*types.Member, error) {
	return f.byOrg[orgID], nil
}

type fakeQueue struct{ msgs []types.EmailMessage }

func (f *fakeQueue) Enqueue(_ context.Context, msg types.EmailMessage) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func overReport(orgID string) *usage.Report {
	caps := []usage.CapStatus{
		{Metric: usage.MetricBuildMinutes, Used: 1200, Limit: 1000, Exceeded: true, Overage: 200},
		{Metric: usage.MetricAPICalls, Used: 10, Limit: 5000},
	}
	return &usage.Report{
		OrganizationID: orgID,
		Plan:           types.PlanDeveloper,
		Window:         types.UsageWindow{Start: runnerNow.AddDate(0, 0, -10), End: runnerNow},
		Caps:           caps,
		Exceeded:       true,
	}
}

func TestCapAlerts_Run(t *testing.T) {
	orgs := &fakeIDs{ids: []string{"org_a", "org_b", "org_c"}}
	reporter := &fakeReporter{reports: map[string]*usage.Report{
		"org_a": overReport("org_a"),
		"org_b": {OrganizationID: "org_b", Plan: types.PlanTeam},
	}}
	members := &fakeMembers{byOrg: map[string][]*types.Member{
		"org_a": {
			{Email: "owner@a.dev", Role: types.RoleOwner, Status: types.MemberStatusActive},
			{Email: "admin@a.dev", Role: types.RoleAdmin, Status: types.MemberStatusActive},
			{Email: "dev@a.dev", Role: types.RoleMember, Status: types.MemberStatusActive},
			{Email: "pending@a.dev", Role: types.RoleAdmin, Status: types.MemberStatusInvited},
		},
	}}
	q := &fakeQueue{}

	got, err := NewCapAlerts(orgs, reporter, members, q, nil).Run(context.Background(), runnerNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// org_c has no report and counts as a failure.
	if got.Processed != 3 || got.Failed != 1 {
		t.Errorf("counts = %+v", got)
	}
	if len(q.msgs) != 1 {
		t.Fatalf("expected 1 email, got %d", len(q.msgs))
	}
	msg := q.msgs[0]
	if msg.Kind != types.EmailKindCapExceeded || msg.OrganizationID != "org_a" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if strings.Join(msg.To, ",") != "admin@a.dev,owner@a.dev" {
		t.Errorf("recipients = %v", msg.To)
	}
	if !strings.Contains(msg.Text, "build_minutes: 1200 used of 1000 (200 over)") {
		t.Errorf("text missing cap line:\n%s", msg.Text)
	}
	if strings.Contains(msg.Text, "api_calls") {
		t.Errorf("text should only list exceeded caps:\n%s", msg.Text)
	}
	for _, w := range reporter.windows {
		if !w.Start.IsZero() || !w.End.Equal(runnerNow) {
			t.Errorf("report window = %+v, want cycle start to now", w)
		}
	}
}

func TestCapAlerts_Run_NoAdminsNoEmail(t *testing.T) {
	orgs := &fakeIDs{ids: []string{"org_a"}}
	reporter := &fakeReporter{reports: map[string]*usage.Report{"org_a": overReport("org_a")}}
	members := &fakeMembers{byOrg: map[string][]*types.Member{
		"org_a": {{Email: "dev@a.dev", Role: types.RoleMember, Status: types.MemberStatusActive}},
	}}
	q := &fakeQueue{}

	if _, err := NewCapAlerts(orgs, reporter, members, q, nil).Run(context.Background(), runnerNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.msgs) != 0 {
		t.Errorf("expected no email, got %d", len(q.msgs))
	}
}

// --- adapters ---

type fakeBatch struct{ res billing.BatchResult }

func (f fakeBatch) Run(context.Context) (billing.BatchResult, error) { return f.res, nil }

func TestSeatOverageJob(t *testing.T) {
	job := SeatOverageJob(fakeBatch{res: billing.BatchResult{Processed: 7, Billed: 2, Failed: 1}})
	got, err := job.Run(context.Background(), runnerNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Processed != 7 || got.Failed != 1 {
		t.Errorf("counts = %+v", got)
	}
}

type fakeExporter struct{ day time.Time }

func (f *fakeExporter) ExportDay(_ context.Context, day time.Time) (int, error) {
	f.day = day
	return 42, nil
}

func TestUsageExportJob_ExportsPreviousDay(t *testing.T) {
	exp := &fakeExporter{}
	got, err := UsageExportJob(exp).Run(context.Background(), runnerNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	if !exp.day.Equal(want) {
		t.Errorf("exported day = %v, want %v", exp.day, want)
	}
	if got.Processed != 42 {
		t.Errorf("Processed = %d", got.Processed)
	}
}

type fakeOrgSource struct {
	fakeExpired
	fakeIDs
}

type fakeUsageSource struct {
	fakeResetter
	fakeReporter
}

func TestJobSetBuild(t *testing.T) {
	set := JobSet{
		SeatOverage: &fakeBatch{},
		Orgs:        &fakeOrgSource{},
		Usage:       &fakeUsageSource{},
		Members:     &fakeMembers{},
		Emails:      &fakeQueue{},
	}

	jobs := set.Build()
	for _, task := range []TaskType{TaskSeatOverage, TaskCycleRollover, TaskCapAlerts} {
		if jobs[task] == nil {
			t.Errorf("job table missing %s", task)
		}
	}
	if _, ok := jobs[TaskUsageExport]; ok {
		t.Error("usage_export should be absent without an exporter")
	}

	set.Exporter = &fakeExporter{}
	if set.Build()[TaskUsageExport] == nil {
		t.Error("usage_export should be present with an exporter")
	}
}
