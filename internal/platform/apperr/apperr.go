// Package apperr defines the error taxonomy shared by every coordinator:
// validation, conflict, unauthorized, forbidden, not-found, transient and
// reconciliation-required. Errors carry a stable code so callers can match
// them with errors.Is regardless of the message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for uniform handling by callers and the HTTP layer.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindTransient      Kind = "transient"
	KindReconciliation Kind = "reconciliation_required"
	KindInternal       Kind = "internal"
)

// Error is the concrete error type returned by the coordinators.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code. A target with
// an empty code matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying a more specific message and cause.
func (e *Error) With(message string, cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: message, Err: cause}
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrInvalidTransition      = &Error{Kind: KindConflict, Code: "invalid_transition", Message: "invalid status transition"}
	ErrAppointmentConflict    = &Error{Kind: KindConflict, Code: "appointment_conflict", Message: "doctor is not available at this time"}
	ErrBedUnavailable         = &Error{Kind: KindConflict, Code: "bed_unavailable", Message: "bed is not available"}
	ErrBedNotOccupied         = &Error{Kind: KindConflict, Code: "bed_not_occupied", Message: "bed is not occupied"}
	ErrBillImmutable          = &Error{Kind: KindConflict, Code: "bill_immutable", Message: "bill is already paid"}
	ErrAmountMismatch         = &Error{Kind: KindConflict, Code: "amount_mismatch", Message: "bill amount does not match its line items"}
	ErrConflict               = &Error{Kind: KindConflict, Code: "conflict", Message: "conflicting update"}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized, Code: "unauthorized", Message: "session expired, please sign in again"}
	ErrForbidden              = &Error{Kind: KindForbidden, Code: "forbidden", Message: "not permitted"}
	ErrNotFound               = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrTransient              = &Error{Kind: KindTransient, Code: "transient", Message: "service temporarily unavailable, please retry"}
	ErrReconciliationRequired = &Error{Kind: KindReconciliation, Code: "reconciliation_required", Message: "manual reconciliation required"}
	ErrUnconfirmed            = &Error{Kind: KindReconciliation, Code: "outcome_unknown", Message: "the request may have been applied; check before repeating it"}
	ErrValidation             = &Error{Kind: KindValidation, Code: "validation", Message: "invalid input"}
)

// Validation builds a validation error. Validation errors are raised before
// any network call is made.
func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Code: "validation", Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error for the named entity.
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// Transient wraps a network or server failure as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return ErrTransient.With("remote call failed", err)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or "internal" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Retryable reports whether the user may simply re-trigger the action.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps a kind onto the status code returned to the screens.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindReconciliation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
