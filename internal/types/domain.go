package types

import (
	"time"
)

// BillingCycleLength is the fixed length of a usage cycle.
const BillingCycleLength = 30 * 24 * time.Hour

// Organization is the tenant. Every other entity belongs to exactly one.
type Organization struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	OwnerUserID          string             `json:"owner_user_id"`
	PlanID               PlanID             `json:"plan_id"`
	SeatCount            int                `json:"seat_count"`
	BillingCycleStart    time.Time          `json:"billing_cycle_start"`
	BillingCycleEnd      time.Time          `json:"billing_cycle_end"`
	PendingOverageCents  int64              `json:"pending_overage_cents"`
	SSOConfig            *SSOConfig         `json:"sso_config,omitempty"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	LemonSubscriptionID  string             `json:"lemon_subscription_id,omitempty"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// SSOConfig holds the identity provider settings for an organization.
// Stored as JSONB on organizations.sso_config.
type SSOConfig struct {
	Protocol SSOProtocol `json:"protocol"`

	// OIDC
	IssuerURL    string `json:"issuer_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// SAML
	IDPSSOURL      string `json:"idp_sso_url,omitempty"`
	IDPIssuer      string `json:"idp_issuer,omitempty"`
	IDPCertificate string `json:"idp_certificate,omitempty"`
}

// Redacted returns a copy safe to include in API responses.
func (c *SSOConfig) Redacted() *SSOConfig {
	if c == nil {
		return nil
	}
	out := *c
	if out.ClientSecret != "" {
		out.ClientSecret = "********"
	}
	return &out
}

// Member is a row of organization_members.
type Member struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	UserID         string       `json:"user_id,omitempty"`
	Email          string       `json:"email"`
	Role           MemberRole   `json:"role"`
	Status         MemberStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// File is a stored document in the file portal.
type File struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Filename       string     `json:"filename"`
	Content        string     `json:"content"`
	Status         FileStatus `json:"status"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	LastModifiedBy string     `json:"last_modified_by"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// FileVersion is an immutable snapshot of a file's content.
type FileVersion struct {
	ID             string    `json:"id"`
	FileID         string    `json:"file_id"`
	OrganizationID string    `json:"organization_id"`
	Version        int       `json:"version"`
	Content        string    `json:"content"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// UsageCounters is the set of metered counters carried by a usage log entry
// and returned by aggregation.
type UsageCounters struct {
	BuildMinutes  int64 `json:"build_minutes"`
	PipelineRuns  int64 `json:"pipeline_runs"`
	APICalls      int64 `json:"api_calls"`
	FilesUploaded int64 `json:"files_uploaded"`
	FilesDeleted  int64 `json:"files_deleted"`
	FilesRestored int64 `json:"files_restored"`
}

// Add returns the counter-wise sum of c and o.
func (c UsageCounters) Add(o UsageCounters) UsageCounters {
	return UsageCounters{
		BuildMinutes:  c.BuildMinutes + o.BuildMinutes,
		PipelineRuns:  c.PipelineRuns + o.PipelineRuns,
		APICalls:      c.APICalls + o.APICalls,
		FilesUploaded: c.FilesUploaded + o.FilesUploaded,
		FilesDeleted:  c.FilesDeleted + o.FilesDeleted,
		FilesRestored: c.FilesRestored + o.FilesRestored,
	}
}

// IsZero reports whether every counter is zero.
func (c UsageCounters) IsZero() bool {
	return c == UsageCounters{}
}

// UsageLogEntry is one append-only row of usage_logs.
type UsageLogEntry struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Counters       UsageCounters `json:"counters"`
	IsCycleReset   bool          `json:"is_cycle_reset"`
	Source         string        `json:"source"`
	CreatedAt      time.Time     `json:"created_at"`
}

// UsageWindow is a half-open [Start, End) time range.
type UsageWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BillingEvent is one append-only row of billing_events.
type BillingEvent struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Type           BillingEventType `json:"type"`
	Provider       BillingProvider  `json:"provider"`
	AmountCents    int64            `json:"amount_cents"`
	Currency       string           `json:"currency"`
	Description    string           `json:"description"`
	ExternalID     string           `json:"external_id,omitempty"`
	Metadata       EventMetadata    `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Template is a reusable infrastructure snippet owned by an organization.
type Template struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Provider       string    `json:"provider"`
	Content        string    `json:"content"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AIBuilderAnswers is the questionnaire submitted to the AI builder.
type AIBuilderAnswers struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	UserID         string        `json:"user_id"`
	Answers        EventMetadata `json:"answers"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AIBuild is a generated infrastructure plan.
type AIBuild struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	AnswersID      string      `json:"answers_id"`
	Providers      []string    `json:"providers"`
	Automation     string      `json:"automation"`
	Model          string      `json:"model"`
	Plan           string      `json:"plan"`
	Status         BuildStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Invoice is a provider invoice as shown on the billing page.
type Invoice struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	HostedURL   string     `json:"hosted_url,omitempty"`
	PDFURL      string     `json:"pdf_url,omitempty"`
}

// EmailMessage is the payload queued for the email worker.
type EmailMessage struct {
	ID             string    `json:"id"`
	Kind           EmailKind `json:"kind"`
	OrganizationID string    `json:"organization_id,omitempty"`
	To             []string  `json:"to"`
	Subject        string    `json:"subject"`
	Text           string    `json:"text"`
}

// RedirectURLs are the provider checkout return targets, always built
// server-side from the configured app base URL.
type RedirectURLs struct {
	Success string
	Cancel  string
}
