// Package apperr defines the service-wide error taxonomy. Every guarded
// operation (ledger append, status transition, pipeline entry) fails with one
// of these codes so the HTTP layer can map errors without string matching.
package apperr

import (
	"fmt"
	"net/http"
)

const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeValidation          = "VALIDATION_ERROR"
	CodeIdempotencyRequired = "IDEMPOTENCY_REQUIRED"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeImmutableClaim      = "IMMUTABLE_CLAIM"
	CodeConflict            = "CONFLICT"
	CodeInternal            = "INTERNAL"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Unauthorized(message string) *DomainError {
	return &DomainError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}

func Forbidden(message string) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: CodeForbidden, Message: message}
}

func NotFound(message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func Validation(message string, details any) *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message, Details: details}
}

func IdempotencyRequired() *DomainError {
	return &DomainError{
		Status:  http.StatusBadRequest,
		Code:    CodeIdempotencyRequired,
		Message: "Idempotency key required (Idempotency-Key header or body.idempotencyKey)",
	}
}

func InvalidTransition(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: CodeInvalidTransition, Message: message}
}

func ImmutableClaim(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: CodeImmutableClaim, Message: message}
}

func Conflict(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: CodeConflict, Message: message}
}

func Internal(message string) *DomainError {
	return &DomainError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message}
}
