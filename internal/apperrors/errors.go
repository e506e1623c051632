// Package apperrors implements the closed error-kind taxonomy used across
// the runtime (spec.md §7): a fixed set of kinds, each with a matching HTTP
// status, wrapped in a single APIError type so every surface (HTTP, agent
// loop, task queue) reports failures the same way.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error categories spec.md §7 defines.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindValidation            Kind = "validation"
	KindUnauthorized          Kind = "unauthorized"
	KindRateLimited           Kind = "rate_limited"
	KindProviderError         Kind = "provider_error"
	KindToolError             Kind = "tool_error"
	KindToolBlocked           Kind = "tool_blocked"
	KindBudgetExceeded        Kind = "budget_exceeded"
	KindIterationCap          Kind = "iteration_cap"
	KindConsecutiveFailureCap Kind = "consecutive_failure_cap"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// statusByKind maps each kind to its HTTP status (spec.md §4.17, §7).
var statusByKind = map[Kind]int{
	KindInvalidRequest:        http.StatusBadRequest,
	KindValidation:            http.StatusBadRequest,
	KindUnauthorized:          http.StatusUnauthorized,
	KindRateLimited:           http.StatusTooManyRequests,
	KindProviderError:         http.StatusBadGateway,
	KindToolError:             http.StatusOK, // surfaced to the model, not the caller
	KindToolBlocked:           http.StatusForbidden,
	KindBudgetExceeded:        http.StatusPaymentRequired,
	KindIterationCap:          http.StatusOK,
	KindConsecutiveFailureCap: http.StatusOK,
	KindCancelled:             http.StatusRequestTimeout,
	KindInternal:              http.StatusInternalServerError,
}

// APIError is the structured error every component returns for
// caller-visible failures. It carries enough to render a well-formed JSON
// error envelope (spec.md §7: "responses must never be empty bodies with
// abrupt connection close").
type APIError struct {
	Kind    Kind
	Message string
	Details any
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error maps to.
func (e *APIError) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an APIError of the given kind.
func New(kind Kind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// Wrap constructs an APIError of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *APIError {
	return &APIError{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured detail (e.g. a list of valid values for a
// KindValidation error) and returns the same error for chaining.
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// As extracts an *APIError from err, falling back to an internal-kind
// wrapper for anything the caller didn't originate as an APIError — this is
// the "top-level error handler" spec.md §7 requires: every unexpected
// error still becomes a well-formed envelope.
func As(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Kind: KindInternal, Message: "internal error", Cause: err}
}

// Envelope is the JSON shape returned to HTTP callers for any error.
type Envelope struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// ToEnvelope renders an APIError as its wire envelope.
func (e *APIError) ToEnvelope() Envelope {
	return Envelope{Error: string(e.Kind), Details: e.Details}
}

// Retryable reports whether the recovery policy (spec.md §7) treats this
// kind as locally recoverable via the provider fallback chain.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindProviderError:
		return true
	default:
		return false
	}
}
