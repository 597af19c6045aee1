// Package outcome defines the classified failures a transition attempt can end
// with. Every engine component returns *Error values so callers can map them to
// structured responses without string matching.
package outcome

import (
	"errors"
	"fmt"
)

// Kind classifies why an attempt did not succeed.
type Kind string

const (
	ConditionNotMet    Kind = "condition_not_met"
	RoleNotAuthorized  Kind = "role_not_authorized"
	ValidationFailed   Kind = "validation_failed"
	ServiceUnavailable Kind = "service_unavailable"
	ClientRejected     Kind = "client_rejected"
	MappingError       Kind = "mapping_error"
	ConfigurationError Kind = "configuration_error"
	Conflict           Kind = "conflict"
)

// Error is a classified engine failure.
type Error struct {
	Kind    Kind
	Message string
	// Clause names the failing condition for ConditionNotMet.
	Clause string
	// OperationID is set when the failure came from an external tool.
	OperationID string
	// StatusCode is the HTTP status returned by a tool, if any.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the tool client may retry the failure.
// Only ServiceUnavailable qualifies.
func (e *Error) Retryable() bool { return e.Kind == ServiceUnavailable }

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithOperation returns a copy of e tagged with the tool operation id.
func (e *Error) WithOperation(id string) *Error {
	c := *e
	c.OperationID = id
	return &c
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var oe *Error
	ok := errors.As(err, &oe)
	return oe, ok
}
