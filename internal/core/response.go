package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"devvelocity/internal/types"
)

// maxRequestBodySize caps decoded request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// APIResponse is the envelope of every successful response.
type APIResponse struct {
	Data any `json:"data"`
}

// APIErrorResponse is the envelope of every error response.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an error.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshal failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		types.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "response marshal failed", "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Data writes v inside the success envelope.
func Data(w http.ResponseWriter, r *http.Request, status int, v any) {
	JSON(w, r, status, APIResponse{Data: v})
}

// Error renders err. AppErrors keep their code, message and details; any
// other error is logged and rendered as a generic 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		logger.ErrorContext(ctx, "unhandled error", "org_id", types.GetOrgID(ctx), "error", err)
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}

	status := appErr.HTTPStatus()
	switch {
	case status >= http.StatusInternalServerError:
		logger.ErrorContext(ctx, "request failed", "org_id", types.GetOrgID(ctx), "code", appErr.Code, "error", appErr.Err)
	case appErr.Code == types.ErrCodePlanUpgradeRequired:
		logger.InfoContext(ctx, "plan upgrade required", "org_id", types.GetOrgID(ctx), "details", appErr.Details)
	}

	JSON(w, r, status, APIErrorResponse{Error: ErrorDetail{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: types.GetRequestID(ctx),
	}})
}

// DecodeJSON decodes a single JSON object from the body into dst. Unknown
// fields, trailing data and bodies over 1 MB are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var (
		maxBytesErr      *http.MaxBytesError
		syntaxErr        *json.SyntaxError
		unmarshalTypeErr *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not exceed 1MB", err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	case errors.As(err, &unmarshalTypeErr):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "invalid value for field", err, map[string]any{
			"field":    unmarshalTypeErr.Field,
			"expected": unmarshalTypeErr.Type.String(),
		})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", err)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid JSON in request body", err)
	}
}
