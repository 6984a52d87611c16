package httputil

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// ErrorResponse is the standard error envelope for all API errors:
// { "code": "<UPPER_SNAKE>", "message": "...", "details": {...} }.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Accepted writes a 202 response with the given data.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes a taxonomy error with the given status.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Code: code, Message: message})
}

// APIError maps a *domain.APIError to the right HTTP status and writes it.
// Cross-tenant failures present as NOT_FOUND to prevent resource
// enumeration; the CROSS_TENANT code stays in the logs only.
func APIError(w http.ResponseWriter, err *domain.APIError) {
	code := err.Code
	status := statusFor(code)
	if code == domain.CodeCrossTenant {
		code = domain.CodeNotFound
		status = http.StatusNotFound
		JSON(w, status, ErrorResponse{Code: code, Message: "resource not found"})
		return
	}
	JSON(w, status, ErrorResponse{Code: code, Message: err.Message, Details: err.Details})
}

func statusFor(code string) int {
	switch code {
	case domain.CodeInvalidPayload, domain.CodeInvalidEmailFormat, domain.CodeMissingField:
		return http.StatusBadRequest
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeTemplateNotFound, domain.CodeNotFound, domain.CodeCrossTenant:
		return http.StatusNotFound
	case domain.CodeDomainNotVerified, domain.CodeSuppressed:
		return http.StatusUnprocessableEntity
	case domain.CodeRateLimited, domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NotFound writes a 404 taxonomy error.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, domain.CodeNotFound, message)
}

// BadRequest writes a 400 INVALID_PAYLOAD error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, domain.CodeInvalidPayload, message)
}

// Unauthenticated writes a 401 error.
func Unauthenticated(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, domain.CodeUnauthenticated, message)
}

// InternalError writes a 500 with a correlation id. Logs the real error
// but returns a generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, requestID string, err error) {
	log.Printf("[httputil] internal error (request_id=%s): %v", requestID, err)
	JSON(w, http.StatusInternalServerError, ErrorResponse{
		Code:    domain.CodeStorageError,
		Message: "internal server error",
		Details: map[string]string{"request_id": requestID},
	})
}

// Decode reads JSON from the request body into dst.
// Returns false and writes a 400 response if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
