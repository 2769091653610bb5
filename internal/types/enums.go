package types

// PlanID identifies a subscription tier. The tier order is
// developer < startup < team < enterprise.
type PlanID string

const (
	PlanDeveloper  PlanID = "developer"
	PlanStartup    PlanID = "startup"
	PlanTeam       PlanID = "team"
	PlanEnterprise PlanID = "enterprise"
)

// MemberRole defines authorization levels within an organization.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// roleRank orders roles for RoleAtLeast comparisons.
var roleRank = map[MemberRole]int{
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// RoleAtLeast reports whether role grants at least the privileges of min.
// Unknown roles grant nothing.
func RoleAtLeast(role, min MemberRole) bool {
	return roleRank[role] > 0 && roleRank[role] >= roleRank[min]
}

// MemberStatus tracks a membership through invite and removal. Only active
// members occupy a seat.
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusInvited MemberStatus = "invited"
	MemberStatusRemoved MemberStatus = "removed"
)

// FileStatus is the explicit soft-delete state of a stored file.
//
//	active --delete--> deleted --restore--> active
type FileStatus string

const (
	FileStatusActive  FileStatus = "active"
	FileStatusDeleted FileStatus = "deleted"
)

// SubscriptionStatus mirrors the payment provider's subscription state.
type SubscriptionStatus string

const (
	SubStatusNone     SubscriptionStatus = "none"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusExpired  SubscriptionStatus = "expired"
)

// BillingEventType classifies an append-only billing ledger entry.
type BillingEventType string

const (
	BillingEventSeatOverage          BillingEventType = "seat_overage"
	BillingEventInvoicePaid          BillingEventType = "invoice_paid"
	BillingEventSubscriptionChanged  BillingEventType = "subscription_changed"
	BillingEventSubscriptionCanceled BillingEventType = "subscription_canceled"
	BillingEventOrderPaid            BillingEventType = "order_paid"
)

// BillingProvider names the system that originated a billing event.
type BillingProvider string

const (
	ProviderInternal     BillingProvider = "internal"
	ProviderStripe       BillingProvider = "stripe"
	ProviderLemonSqueezy BillingProvider = "lemonsqueezy"
)

// BuildStatus is the outcome of an AI builder run.
type BuildStatus string

const (
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
)

// SSOProtocol selects the identity protocol configured for an organization.
type SSOProtocol string

const (
	SSOProtocolOIDC SSOProtocol = "oidc"
	SSOProtocolSAML SSOProtocol = "saml"
)

// EmailKind tags queued transactional emails for logging and metrics.
type EmailKind string

const (
	EmailKindInvite      EmailKind = "member_invite"
	EmailKindPlanChanged EmailKind = "plan_changed"
	EmailKindCapExceeded EmailKind = "cap_exceeded"
)
