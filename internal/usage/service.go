// Package usage implements metering: appending usage rows, aggregating them
// over a billing window, comparing totals to plan caps, and rolling the
// billing cycle forward.
package usage

import (
	"context"
	"log/slog"
	"time"

	"devvelocity/internal/plans"
	"devvelocity/internal/types"
)

// OrgStore is the subset of the organization repository the usage service
// needs.
type OrgStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	Exists(ctx context.Context, id string) (bool, error)
	UpdateBillingCycle(ctx context.Context, id string, start, end time.Time) error
}

// LogStore is the append-only usage log.
type LogStore interface {
	Append(ctx context.Context, e *types.UsageLogEntry) error
	Sum(ctx context.Context, orgID string, start, end time.Time) (types.UsageCounters, error)
}

// SourceCycleReset is the source recorded on cycle boundary markers.
const SourceCycleReset = "cycle_reset"

// Service meters usage for organizations.
type Service struct {
	orgs    OrgStore
	logs    LogStore
	catalog *plans.Catalog
	clock   types.Clock
	logger  *slog.Logger
}

// NewService creates a usage Service. A nil clock uses wall time and a nil
// logger uses slog.Default().
func NewService(orgs OrgStore, logs LogStore, catalog *plans.Catalog, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{orgs: orgs, logs: logs, catalog: catalog, clock: clock, logger: logger}
}

// Log appends one usage row for orgID. Every counter must be non-negative and
// the organization must exist. Rows are not deduplicated.
func (s *Service) Log(ctx context.Context, orgID string, c types.UsageCounters, source string) error {
	if err := validateCounters(c); err != nil {
		return err
	}

	exists, err := s.orgs.Exists(ctx, orgID)
	if err != nil {
		return err
	}
	if !exists {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}

	entry := &types.UsageLogEntry{
		ID:             types.NewID(types.PrefixUsageLog),
		OrganizationID: orgID,
		Counters:       c,
		Source:         source,
		CreatedAt:      s.clock.Now(),
	}
	return s.logs.Append(ctx, entry)
}

// LogBestEffort appends a usage row and logs, rather than returns, any
// failure. Used after a mutation has already succeeded.
func (s *Service) LogBestEffort(ctx context.Context, orgID string, c types.UsageCounters, source string) {
	if err := s.Log(ctx, orgID, c, source); err != nil {
		s.logger.WarnContext(ctx, "failed to record usage",
			"org_id", orgID,
			"source", source,
			"error", err,
		)
	}
}

func validateCounters(c types.UsageCounters) error {
	fields := []struct {
		name  string
		value int64
	}{
		{"build_minutes", c.BuildMinutes},
		{"pipeline_runs", c.PipelineRuns},
		{"api_calls", c.APICalls},
		{"files_uploaded", c.FilesUploaded},
		{"files_deleted", c.FilesDeleted},
		{"files_restored", c.FilesRestored},
	}
	var negative []string
	for _, f := range fields {
		if f.value < 0 {
			negative = append(negative, f.name)
		}
	}
	if len(negative) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationNegativeCount,
			"usage counters must be non-negative", nil,
			map[string]any{"fields": negative})
	}
	return nil
}

// Aggregate sums every counter for orgID over w. A zero Start defaults to
// the organization's current cycle start and a zero End to now. Totals above
// a cap are returned as-is.
func (s *Service) Aggregate(ctx context.Context, orgID string, w types.UsageWindow) (types.UsageCounters, types.UsageWindow, error) {
	if w.Start.IsZero() {
		org, err := s.orgs.GetByID(ctx, orgID)
		if err != nil {
			return types.UsageCounters{}, w, err
		}
		w.Start = org.BillingCycleStart
	}
	if w.End.IsZero() {
		w.End = s.clock.Now()
	}
	if w.End.Before(w.Start) {
		return types.UsageCounters{}, w, types.NewAppError(types.ErrCodeValidationTimeWindow,
			"window end must not be before start", nil)
	}

	totals, err := s.logs.Sum(ctx, orgID, w.Start, w.End)
	if err != nil {
		return types.UsageCounters{}, w, err
	}
	return totals, w, nil
}

// Report is the usage view served to dashboards.
type Report struct {
	OrganizationID string              `json:"organization_id"`
	Plan           types.PlanID        `json:"plan"`
	Window         types.UsageWindow   `json:"window"`
	Totals         types.UsageCounters `json:"totals"`
	Caps           []CapStatus         `json:"caps"`
	Exceeded       bool                `json:"exceeded"`
}

// Report aggregates usage for orgID over w and compares it to the plan caps.
func (s *Service) Report(ctx context.Context, orgID string, w types.UsageWindow) (*Report, error) {
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if w.Start.IsZero() {
		w.Start = org.BillingCycleStart
	}

	totals, w, err := s.Aggregate(ctx, orgID, w)
	if err != nil {
		return nil, err
	}

	p := s.catalog.Get(org.PlanID)
	caps := CheckCaps(p, totals)
	return &Report{
		OrganizationID: orgID,
		Plan:           p.ID,
		Window:         w,
		Totals:         totals,
		Caps:           caps,
		Exceeded:       AnyExceeded(caps),
	}, nil
}

// ResetCycle starts a new 30-day billing window at now and appends a zero
// usage row marking the boundary. Concurrent resets each write a marker.
func (s *Service) ResetCycle(ctx context.Context, orgID string) (types.UsageWindow, error) {
	now := s.clock.Now()
	w := types.UsageWindow{Start: now, End: now.Add(types.BillingCycleLength)}

	if err := s.orgs.UpdateBillingCycle(ctx, orgID, w.Start, w.End); err != nil {
		return types.UsageWindow{}, err
	}

	marker := &types.UsageLogEntry{
		ID:             types.NewID(types.PrefixUsageLog),
		OrganizationID: orgID,
		IsCycleReset:   true,
		Source:         SourceCycleReset,
		CreatedAt:      now,
	}
	if err := s.logs.Append(ctx, marker); err != nil {
		return types.UsageWindow{}, err
	}

	s.logger.InfoContext(ctx, "billing cycle reset",
		"org_id", orgID,
		"cycle_start", w.Start,
		"cycle_end", w.End,
	)
	return w, nil
}
