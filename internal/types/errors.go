package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Input validation (400)
	ErrCodeValidationBadDateRange   ErrorCode = "validation_bad_date_range"
	ErrCodeValidationRangeTooWide   ErrorCode = "validation_date_range_too_wide"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationUnknownTask    ErrorCode = "validation_unknown_task"
	ErrCodeValidationUnknownPeer    ErrorCode = "validation_unknown_peer"
	ErrCodeValidationBadEvent       ErrorCode = "validation_unparseable_event"
	ErrCodeValidationBadSubAccount  ErrorCode = "validation_sub_account_not_configured"
	ErrCodeValidationBadTransformer ErrorCode = "validation_unknown_transformer"

	// Peer configuration (422)
	ErrCodeConfigIntegrationMissing ErrorCode = "config_integration_not_configured"
	ErrCodeConfigSecretMissing      ErrorCode = "config_secret_missing"

	// Security rejections (400)
	ErrCodeSecurityUnsafePath     ErrorCode = "security_unsafe_archive_path"
	ErrCodeSecurityDecryptFailure ErrorCode = "security_decrypt_failure"
	ErrCodeSecurityBadSignature   ErrorCode = "security_invalid_signature"

	// Rate limiting (429)
	ErrCodeRateLimited        ErrorCode = "rate_limited"
	ErrCodeRateLimitNoGuidance ErrorCode = "rate_limited_without_guidance"
	ErrCodeRateLimitWaitTooLong ErrorCode = "rate_limited_wait_exceeds_ceiling"

	// Upstream (502)
	ErrCodeUpstreamHTTP        ErrorCode = "upstream_http_failure"
	ErrCodeUpstreamBadPayload  ErrorCode = "upstream_malformed_payload"
	ErrCodeUpstreamStorage     ErrorCode = "upstream_storage_failure"
	ErrCodeUpstreamPeersConfig ErrorCode = "upstream_peers_config_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// Internal (500)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeInternalBadArchive ErrorCode = "internal_unreadable_archive"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the admin API to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "config_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "security_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "rate_limited"):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout peerflow.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
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
// This is useful for adding context without mutating the original error.
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
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
