package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced at the API (UPPER_SNAKE, per taxonomy).
const (
	// Validation
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInvalidEmailFormat = "INVALID_EMAIL_FORMAT"
	CodeTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	CodeMissingField       = "MISSING_FIELD"

	// Authorization
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeCrossTenant     = "CROSS_TENANT" // logged, never shown to callers

	// Policy
	CodeDomainNotVerified = "DOMAIN_NOT_VERIFIED"
	CodeSuppressed        = "SUPPRESSED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"

	// Upstream
	CodeDNSFailure    = "DNS_FAILURE"
	CodeSMTPTransient = "SMTP_TRANSIENT"
	CodeSMTPPermanent = "SMTP_PERMANENT"
	CodeTLSFailure    = "TLS_FAILURE"

	// Internal
	CodeStorageError = "STORAGE_ERROR"
	CodeQueueError   = "QUEUE_ERROR"
	CodeConfigError  = "CONFIG_ERROR"
	CodeNotFound     = "NOT_FOUND"
)

// APIError is a tagged error value carrying a taxonomy code. Validation
// and policy failures flow through the system as values, not panics; the
// HTTP layer maps the code to a status.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError builds an APIError with no details.
func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *APIError) WithDetail(key string, val any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = val
	return e
}

// AsAPIError unwraps err to an *APIError, or nil if it is not one.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}
