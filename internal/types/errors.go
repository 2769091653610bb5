package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Handlers use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPlan    ErrorCode = "validation_invalid_plan"
	ErrCodeValidationNegativeCount  ErrorCode = "validation_negative_counter"
	ErrCodeValidationTimeWindow     ErrorCode = "validation_time_window_invalid"
	ErrCodeValidationInvalidVersion ErrorCode = "validation_invalid_version"
	ErrCodeValidationInvalidEmail   ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidTask    ErrorCode = "validation_invalid_task"
	ErrCodeValidationSignature      ErrorCode = "validation_invalid_signature"
	ErrCodeValidationInvalidStatus  ErrorCode = "validation_invalid_status"
	ErrCodeValidationInvalidHeader  ErrorCode = "validation_invalid_header"
	ErrCodeValidationInvalidField   ErrorCode = "validation_invalid_field"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired ErrorCode = "auth_token_expired"
	ErrCodeAuthNotMember    ErrorCode = "auth_not_a_member"
	ErrCodeAuthSSOFailed    ErrorCode = "auth_sso_failed"
	ErrCodeAuthAdminSecret  ErrorCode = "auth_admin_secret_invalid"

	// Permission (403)
	ErrCodePermissionRole        ErrorCode = "permission_role_insufficient"
	ErrCodePermissionOrgMismatch ErrorCode = "permission_organization_mismatch"
	ErrCodePermissionNoOrg       ErrorCode = "permission_organization_required"
	ErrCodePermissionCSRF        ErrorCode = "permission_cross_site_request"

	// Plan (403, always carries upgrade_required)
	ErrCodePlanUpgradeRequired ErrorCode = "plan_upgrade_required"

	// Not Found (404)
	ErrCodeNotFoundOrg      ErrorCode = "not_found_organization"
	ErrCodeNotFoundMember   ErrorCode = "not_found_member"
	ErrCodeNotFoundFile     ErrorCode = "not_found_file"
	ErrCodeNotFoundVersion  ErrorCode = "not_found_file_version"
	ErrCodeNotFoundTemplate ErrorCode = "not_found_template"
	ErrCodeNotFoundBuild    ErrorCode = "not_found_ai_build"
	ErrCodeNotFoundSSO      ErrorCode = "not_found_sso_configuration"
	ErrCodeNotFoundRoute    ErrorCode = "not_found_route"

	// Conflict (409)
	ErrCodeConflictFileDeleted ErrorCode = "conflict_file_already_deleted"
	ErrCodeConflictFileActive  ErrorCode = "conflict_file_already_active"
	ErrCodeConflictMember      ErrorCode = "conflict_member_exists"
	ErrCodeConflictIdempotency ErrorCode = "conflict_idempotency_in_progress"

	// Rate limit (429)
	ErrCodeRateLimited ErrorCode = "rate_limit_exceeded"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalConfig        ErrorCode = "internal_configuration_error"
	ErrCodeUpstreamStripe        ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamLemonSqueezy  ErrorCode = "upstream_lemonsqueezy_unavailable"
	ErrCodeUpstreamOpenAI        ErrorCode = "upstream_openai_unavailable"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamStorage       ErrorCode = "upstream_storage_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "permission_"), strings.HasPrefix(s, "plan_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "rate_limit_"):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type.
// All domain and handler errors are expressed as AppError so the API layer
// can format them consistently and map them to an HTTP status.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// NewUpgradeRequiredError builds the 403 returned when the caller's plan does
// not include a capability. The upgrade_required marker is always present so
// clients can render an upsell without inspecting the code.
func NewUpgradeRequiredError(capability string, currentPlan, suggestedPlan PlanID, reason string) *AppError {
	details := map[string]any{
		"upgrade_required": true,
		"capability":       capability,
		"current_plan":     string(currentPlan),
	}
	if suggestedPlan != "" {
		details["suggested_plan"] = string(suggestedPlan)
	}
	return NewAppErrorWithDetails(ErrCodePlanUpgradeRequired, reason, nil, details)
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
