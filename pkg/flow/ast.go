package flow

import (
	"context"
	"time"
)

// NodeKind tags the variant a Node carries. The DSL AST is a tagged union;
// node positions are stable ordinals, so a persisted Position survives a
// process restart as long as the flow definition is unchanged.
type NodeKind string

const (
	KindStep    NodeKind = "step"
	KindSend    NodeKind = "send"
	KindIf      NodeKind = "if"
	KindSwitch  NodeKind = "switch"
	KindForEach NodeKind = "foreach"
	KindWhenAll NodeKind = "whenall"
	KindWhenAny NodeKind = "whenany"
)

// ForEachPolicy governs how a ForEach node reacts to a per-item failure.
type ForEachPolicy int

const (
	StopOnFirstFailure ForEachPolicy = iota
	ContinueOnFailure
)

// ItemFailure records one failed ForEach item when the policy continues
// past failures.
type ItemFailure struct {
	Index int
	Item  interface{}
	Err   error
}

// RetryPolicy configures a per-step retry loop. Retries happen within the
// same engine tick and do not advance Position until either success or
// exhaustion.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy runs a step exactly once, with no retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := p.MaxInterval
	if max <= 0 {
		max = 5 * time.Second
	}
	backoff := initial * time.Duration(1<<uint(attempt-1))
	if backoff > max {
		backoff = max
	}
	return backoff
}

// Node is one AST element of a Flow[S]'s declarative body. Only the fields
// relevant to Kind are populated; the rest stay at the zero value. Nodes
// capture accessor closures over S directly (the engine never serializes a
// node — it serializes the compiled program's ordinal position plus the
// user's FlowState payload).
type Node[S any] struct {
	Kind NodeKind
	Name string

	// Step
	StepBody func(ctx context.Context, state S) error

	// Compensate, attached to a Step or Send node — run in reverse
	// completion order if a later step fails.
	CompensateBody func(ctx context.Context, state S) error

	// Retry/Timeout apply to Step and Send nodes. Retry defaults to a
	// single attempt; Timeout of 0 means no deadline beyond the ambient
	// context.
	Retry   *RetryPolicy
	Timeout time.Duration

	// Send
	RequestFactory func(state S) interface{}
	Dispatch       func(ctx context.Context, req interface{}) (interface{}, error)
	ResultSink     func(state S, result interface{})

	// If
	Predicate func(state S) bool
	Then      []*Node[S]
	Else      []*Node[S]

	// Switch
	Selector func(state S) string
	CaseKeys []string
	Cases    map[string][]*Node[S]
	Default  []*Node[S]

	// ForEach
	SeqSelector   func(state S) []interface{}
	ForEachBody   func(ctx context.Context, state S, item interface{}) error
	Parallelism   int
	FailurePolicy ForEachPolicy
	OnItemFail    func(failure ItemFailure)
	OnComplete    func(failures []ItemFailure)

	// WhenAll / WhenAny
	Branches [][]*Node[S]
}
