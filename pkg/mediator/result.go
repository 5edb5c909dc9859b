package mediator

import "github.com/fluxorio/cqrsflow/pkg/core"

// Result is a tagged success/failure value returned by every Mediator entry
// point. No handler or behavior is permitted to panic across the boundary;
// RecoveryBehavior converts any panic into a Failure(Fatal).
type Result[T any] struct {
	ok    bool
	value T
	err   *core.Error
}

// Success wraps a value as a successful Result.
func Success[T any](value T) Result[T] {
	return Result[T]{ok: true, value: value}
}

// Failure wraps an error as a failed Result.
func Failure[T any](err *core.Error) Result[T] {
	return Result[T]{ok: false, err: err}
}

// FailureFrom wraps a plain error, tagging it Fatal unless it already carries
// a *core.Error kind.
func FailureFrom[T any](err error) Result[T] {
	if err == nil {
		var zero T
		return Success(zero)
	}
	if ce, ok := err.(*core.Error); ok {
		return Failure[T](ce)
	}
	return Failure[T](core.Wrap(core.KindFatal, "UNKNOWN_ERROR", err.Error(), err))
}

func (r Result[T]) IsSuccess() bool { return r.ok }
func (r Result[T]) IsFailure() bool { return !r.ok }

// Value returns the success payload; zero value if the Result is a Failure.
func (r Result[T]) Value() T { return r.value }

// Error returns the failure cause; nil if the Result is a Success.
func (r Result[T]) Error() *core.Error { return r.err }

// Unwrap panics if the Result is a Failure — useful only in tests.
func (r Result[T]) Unwrap() T {
	if !r.ok {
		panic(r.err)
	}
	return r.value
}

const (
	CodeNoHandler            = "NO_HANDLER"
	CodeAmbiguousHandler     = "AMBIGUOUS_HANDLER"
	CodeAggregateEventFailed = "AGGREGATE_EVENT_FAILURE"
	CodeNotLeader            = "NOT_LEADER"
)

// HandlerFailure describes one failed handler within an aggregated
// Publish result.
type HandlerFailure struct {
	HandlerName string
	Err         *core.Error
}
