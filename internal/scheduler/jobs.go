package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"devvelocity/internal/billing"
	"devvelocity/internal/db"
	"devvelocity/internal/types"
	"devvelocity/internal/usage"
)

const (
	rolloverPageSize = 100
	capAlertPageSize = 200
)

// Counts is what a job reports back to the Runner.
type Counts struct {
	Processed int
	Failed    int
}

// Job is one schedulable unit of work. now is the run's reference time.
type Job interface {
	Run(ctx context.Context, now time.Time) (Counts, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, now time.Time) (Counts, error)

// Run calls f.
func (f JobFunc) Run(ctx context.Context, now time.Time) (Counts, error) { return f(ctx, now) }

// SeatOverageBatch is satisfied by *billing.SeatOverage.
type SeatOverageBatch interface {
	Run(ctx context.Context) (billing.BatchResult, error)
}

// SeatOverageJob bills seats above each plan's allowance.
func SeatOverageJob(b SeatOverageBatch) Job {
	return JobFunc(func(ctx context.Context, _ time.Time) (Counts, error) {
		res, err := b.Run(ctx)
		return Counts{Processed: res.Processed, Failed: res.Failed}, err
	})
}

// DayExporter is satisfied by *export.S3Exporter.
type DayExporter interface {
	ExportDay(ctx context.Context, day time.Time) (int, error)
}

// UsageExportJob exports the UTC day before now. Processed is the row count.
func UsageExportJob(e DayExporter) Job {
	return JobFunc(func(ctx context.Context, now time.Time) (Counts, error) {
		day := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
		n, err := e.ExportDay(ctx, day)
		return Counts{Processed: n}, err
	})
}

// CycleExpiredLister finds organizations whose billing window has ended.
type CycleExpiredLister interface {
	ListCycleExpired(ctx context.Context, now time.Time, after db.CycleCursor, limit int) ([]db.CycleCursor, error)
}

// CycleResetter starts a new billing window.
type CycleResetter interface {
	ResetCycle(ctx context.Context, orgID string) (types.UsageWindow, error)
}

// CycleRollover resets every organization whose cycle ended by now.
type CycleRollover struct {
	orgs   CycleExpiredLister
	usage  CycleResetter
	logger *slog.Logger
}

// NewCycleRollover creates a CycleRollover.
func NewCycleRollover(orgs CycleExpiredLister, usage CycleResetter, logger *slog.Logger) *CycleRollover {
	if logger == nil {
		logger = slog.Default()
	}
	return &CycleRollover{orgs: orgs, usage: usage, logger: logger}
}

// Run pages through expired organizations by keyset, so an org whose reset
// fails is counted once and the next page starts after it.
func (c *CycleRollover) Run(ctx context.Context, now time.Time) (Counts, error) {
	var (
		out   Counts
		after db.CycleCursor
	)
	for {
		page, err := c.orgs.ListCycleExpired(ctx, now, after, rolloverPageSize)
		if err != nil {
			return out, err
		}
		for _, row := range page {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			out.Processed++
			if _, err := c.usage.ResetCycle(ctx, row.OrganizationID); err != nil {
				out.Failed++
				c.logger.ErrorContext(ctx, "cycle rollover failed", "org_id", row.OrganizationID, "error", err)
			}
			after = row
		}
		if len(page) < rolloverPageSize {
			return out, nil
		}
	}
}

// OrgIDLister pages through every organization ID.
type OrgIDLister interface {
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// UsageReporter aggregates an organization's current cycle.
type UsageReporter interface {
	Report(ctx context.Context, orgID string, w types.UsageWindow) (*usage.Report, error)
}

// MemberLister lists an organization's members.
type MemberLister interface {
	List(ctx context.Context, orgID string) ([]*types.Member, error)
}

// CapAlerts emails owners and admins of organizations that went over a
// metered cap in the current cycle. It runs daily, so an org that stays
// over its cap gets one reminder per day.
type CapAlerts struct {
	orgs    OrgIDLister
	usage   UsageReporter
	members MemberLister
	emails  types.EmailQueue
	logger  *slog.Logger
}

// NewCapAlerts creates a CapAlerts job.
func NewCapAlerts(orgs OrgIDLister, usage UsageReporter, members MemberLister, emails types.EmailQueue, logger *slog.Logger) *CapAlerts {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapAlerts{orgs: orgs, usage: usage, members: members, emails: emails, logger: logger}
}

// Run checks every organization. Processed counts orgs checked.
func (c *CapAlerts) Run(ctx context.Context, now time.Time) (Counts, error) {
	var out Counts
	alerted := 0

	afterID := ""
	for {
		ids, err := c.orgs.ListIDs(ctx, afterID, capAlertPageSize)
		if err != nil {
			return out, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			out.Processed++

			sent, err := c.checkOrg(ctx, id, now)
			if err != nil {
				out.Failed++
				c.logger.ErrorContext(ctx, "cap alert check failed", "org_id", id, "error", err)
				continue
			}
			if sent {
				alerted++
			}
		}
		if len(ids) < capAlertPageSize {
			break
		}
		afterID = ids[len(ids)-1]
	}

	c.logger.InfoContext(ctx, "cap alerts complete",
		"processed", out.Processed, "alerted", alerted, "failed", out.Failed)
	return out, nil
}

func (c *CapAlerts) checkOrg(ctx context.Context, orgID string, now time.Time) (bool, error) {
	rep, err := c.usage.Report(ctx, orgID, types.UsageWindow{End: now})
	if err != nil {
		return false, err
	}
	if !rep.Exceeded {
		return false, nil
	}

	members, err := c.members.List(ctx, orgID)
	if err != nil {
		return false, err
	}
	var to []string
	for _, m := range members {
		if m.Status == types.MemberStatusActive && types.RoleAtLeast(m.Role, types.RoleAdmin) {
			to = append(to, m.Email)
		}
	}
	if len(to) == 0 {
		return false, nil
	}
	sort.Strings(to)

	err = c.emails.Enqueue(ctx, types.EmailMessage{
		ID:             types.NewID(types.PrefixEmail),
		Kind:           types.EmailKindCapExceeded,
		OrganizationID: orgID,
		To:             to,
		Subject:        "Your DevVelocity usage is over your plan limits",
		Text:           capAlertText(rep),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func capAlertText(rep *usage.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage since %s exceeds the %s plan:\n\n",
		rep.Window.Start.Format(time.DateOnly), rep.Plan)
	for _, cs := range rep.Caps {
		if cs.Exceeded {
			fmt.Fprintf(&b, "  %s: %d used of %d (%d over)\n", cs.Metric, cs.Used, cs.Limit, cs.Overage)
		}
	}
	b.WriteString("\nUpgrade your plan to raise these limits.\n")
	return b.String()
}

// OrgSource is the organization access the standard tasks need.
type OrgSource interface {
	CycleExpiredLister
	OrgIDLister
}

// UsageSource is the usage access the standard tasks need.
type UsageSource interface {
	CycleResetter
	UsageReporter
}

// JobSet holds the collaborators of the standard tasks. Exporter may be
// nil when no export bucket is configured; usage_export is then left out
// and the Runner rejects it as unconfigured.
type JobSet struct {
	SeatOverage SeatOverageBatch
	Orgs        OrgSource
	Usage       UsageSource
	Members     MemberLister
	Emails      types.EmailQueue
	Exporter    DayExporter
	Logger      *slog.Logger
}

// Build returns the job table for a Runner.
func (s JobSet) Build() map[TaskType]Job {
	jobs := map[TaskType]Job{
		TaskSeatOverage:   SeatOverageJob(s.SeatOverage),
		TaskCycleRollover: NewCycleRollover(s.Orgs, s.Usage, s.Logger),
		TaskCapAlerts:     NewCapAlerts(s.Orgs, s.Usage, s.Members, s.Emails, s.Logger),
	}
	if s.Exporter != nil {
		jobs[TaskUsageExport] = UsageExportJob(s.Exporter)
	}
	return jobs
}
