// Package apierr defines the error kinds shared by every VX11 service and
// their mapping onto HTTP status codes.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vx11/vx11/internal/store"
)

// Kind classifies an error independently of the component that raised it.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindPolicyDenied        Kind = "policy_denied"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindIntegrity           Kind = "integrity"
	KindCircuitOpen         Kind = "circuit_open"
	KindInternal            Kind = "internal"
)

// Error is a classified error. Status overrides the default HTTP status of
// the kind when non-zero.
type Error struct {
	Kind         Kind
	Message      string
	Detail       any
	ConfirmToken string
	RetryAfter   time.Duration
	Status       int
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error is rendered with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return HTTPStatus(e.Kind)
}

// WithStatus returns e with an explicit HTTP status.
func (e *Error) WithStatus(code int) *Error {
	e.Status = code
	return e
}

// WithDetail attaches a structured detail payload.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: err}
}

// PolicyDenied builds a recoverable denial carrying a confirmation token.
func PolicyDenied(reason, confirmToken string) *Error {
	return &Error{Kind: KindPolicyDenied, Message: reason, ConfirmToken: confirmToken}
}

// CircuitOpen builds a short-lived deferral.
func CircuitOpen(dep string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindCircuitOpen, Message: dep + " backoff active", RetryAfter: retryAfter}
}

// KindOf reports the kind of err. Unclassified errors are internal, except
// store misses and context deadlines which map to their natural kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its default status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindCapacityExceeded:
		return http.StatusTooManyRequests
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf returns the HTTP status err should be rendered with.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return HTTPStatus(KindOf(err))
}
