package core

import "fmt"

// Kind is the error taxonomy shared by the mediator, event store and flow
// engine. Behaviors may convert a Kind but must preserve the cause chain.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindForbidden     Kind = "FORBIDDEN"
	KindTransient     Kind = "TRANSIENT"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindFatal         Kind = "FATAL"
)

// Error is the tagged error shape used across every public entry point.
// It never crosses the mediator boundary as a panic; handlers and behaviors
// lift it into a Result.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a tagged Error with no cause.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds a tagged Error around an existing error, preserving it as the
// cause so callers can still errors.Is/errors.As through it.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Is lets errors.Is match on Kind+Code, ignoring Message/Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}
