package flow

import (
	"context"
	"time"
)

// Builder assembles a Flow[S]'s AST through a fluent API. Construction is
// pure: it only appends Nodes to a slice. All side effects happen later, at
// Execute/Resume time.
type Builder[S State] struct {
	nodes []*Node[S]
}

// NewBuilder starts an empty flow body.
func NewBuilder[S State]() *Builder[S] {
	return &Builder[S]{}
}

// Build finalizes the AST into a Definition, ready for the Engine.
func (b *Builder[S]) Build() *Definition[S] {
	return &Definition[S]{Root: b.nodes}
}

// Step appends a named unit of work. Returns the builder so a Compensate
// call can be chained onto the node just appended.
func (b *Builder[S]) Step(name string, body func(ctx context.Context, state S) error) *Builder[S] {
	b.nodes = append(b.nodes, &Node[S]{Kind: KindStep, Name: name, StepBody: body})
	return b
}

// Compensate attaches a compensating action to the step just appended. If
// any later step fails before the flow completes, compensations run in
// reverse order of the steps that successfully completed.
func (b *Builder[S]) Compensate(body func(ctx context.Context, state S) error) *Builder[S] {
	if len(b.nodes) > 0 {
		b.nodes[len(b.nodes)-1].CompensateBody = body
	}
	return b
}

// Send builds a request from state, dispatches it, and writes the result
// back into state through sink.
func (b *Builder[S]) Send(name string, factory func(state S) interface{}, dispatch func(ctx context.Context, req interface{}) (interface{}, error), sink func(state S, result interface{})) *Builder[S] {
	b.nodes = append(b.nodes, &Node[S]{
		Kind: KindSend, Name: name,
		RequestFactory: factory, Dispatch: dispatch, ResultSink: sink,
	})
	return b
}

// WithRetry attaches a retry policy to the Step or Send node just appended.
func (b *Builder[S]) WithRetry(policy RetryPolicy) *Builder[S] {
	if n := b.last(); n != nil {
		n.Retry = &policy
	}
	return b
}

// WithTimeout attaches a per-step timeout to the Step or Send node just
// appended. A timed-out step is treated as a step failure.
func (b *Builder[S]) WithTimeout(d time.Duration) *Builder[S] {
	if n := b.last(); n != nil {
		n.Timeout = d
	}
	return b
}

// BranchBuilder assembles one conditional branch's own node sequence.
type BranchBuilder[S State] struct {
	nodes []*Node[S]
}

// NewBranch starts an empty branch body (used for If/Else, Switch cases,
// ForEach bodies, WhenAll/WhenAny branches).
func NewBranch[S State]() *BranchBuilder[S] {
	return &BranchBuilder[S]{}
}

func (bb *BranchBuilder[S]) Step(name string, body func(ctx context.Context, state S) error) *BranchBuilder[S] {
	bb.nodes = append(bb.nodes, &Node[S]{Kind: KindStep, Name: name, StepBody: body})
	return bb
}

func (bb *BranchBuilder[S]) Compensate(body func(ctx context.Context, state S) error) *BranchBuilder[S] {
	if len(bb.nodes) > 0 {
		bb.nodes[len(bb.nodes)-1].CompensateBody = body
	}
	return bb
}

func (bb *BranchBuilder[S]) Send(name string, factory func(state S) interface{}, dispatch func(ctx context.Context, req interface{}) (interface{}, error), sink func(state S, result interface{})) *BranchBuilder[S] {
	bb.nodes = append(bb.nodes, &Node[S]{Kind: KindSend, Name: name, RequestFactory: factory, Dispatch: dispatch, ResultSink: sink})
	return bb
}

func (bb *BranchBuilder[S]) WithRetry(policy RetryPolicy) *BranchBuilder[S] {
	if n := bb.last(); n != nil {
		n.Retry = &policy
	}
	return bb
}

func (bb *BranchBuilder[S]) WithTimeout(d time.Duration) *BranchBuilder[S] {
	if n := bb.last(); n != nil {
		n.Timeout = d
	}
	return bb
}

func (bb *BranchBuilder[S]) If(name string, pred func(state S) bool, then *BranchBuilder[S], els *BranchBuilder[S]) *BranchBuilder[S] {
	n := &Node[S]{Kind: KindIf, Name: name, Predicate: pred, Then: then.nodes}
	if els != nil {
		n.Else = els.nodes
	}
	bb.nodes = append(bb.nodes, n)
	return bb
}

func (bb *BranchBuilder[S]) Switch(name string, selector func(state S) string, cases map[string]*BranchBuilder[S], def *BranchBuilder[S]) *BranchBuilder[S] {
	n := &Node[S]{Kind: KindSwitch, Name: name, Selector: selector, Cases: make(map[string][]*Node[S], len(cases))}
	for k, v := range cases {
		n.CaseKeys = append(n.CaseKeys, k)
		n.Cases[k] = v.nodes
	}
	if def != nil {
		n.Default = def.nodes
	}
	bb.nodes = append(bb.nodes, n)
	return bb
}

func (bb *BranchBuilder[S]) ForEach(name string, seqSelector func(state S) []interface{}, body func(ctx context.Context, state S, item interface{}) error, parallelism int, policy ForEachPolicy) *BranchBuilder[S] {
	if parallelism < 1 {
		parallelism = 1
	}
	bb.nodes = append(bb.nodes, &Node[S]{
		Kind: KindForEach, Name: name,
		SeqSelector: seqSelector, ForEachBody: body,
		Parallelism: parallelism, FailurePolicy: policy,
	})
	return bb
}

// OnItemFail and OnComplete hooks attach to the ForEach node just appended.
func (bb *BranchBuilder[S]) OnItemFail(hook func(ItemFailure)) *BranchBuilder[S] {
	if n := bb.last(); n != nil && n.Kind == KindForEach {
		n.OnItemFail = hook
	}
	return bb
}

func (bb *BranchBuilder[S]) OnComplete(hook func([]ItemFailure)) *BranchBuilder[S] {
	if n := bb.last(); n != nil && n.Kind == KindForEach {
		n.OnComplete = hook
	}
	return bb
}

func (bb *BranchBuilder[S]) WhenAll(name string, branches ...*BranchBuilder[S]) *BranchBuilder[S] {
	n := &Node[S]{Kind: KindWhenAll, Name: name}
	for _, br := range branches {
		n.Branches = append(n.Branches, br.nodes)
	}
	bb.nodes = append(bb.nodes, n)
	return bb
}

func (bb *BranchBuilder[S]) WhenAny(name string, branches ...*BranchBuilder[S]) *BranchBuilder[S] {
	n := &Node[S]{Kind: KindWhenAny, Name: name}
	for _, br := range branches {
		n.Branches = append(n.Branches, br.nodes)
	}
	bb.nodes = append(bb.nodes, n)
	return bb
}

func (bb *BranchBuilder[S]) last() *Node[S] {
	if len(bb.nodes) == 0 {
		return nil
	}
	return bb.nodes[len(bb.nodes)-1]
}

// If, Switch, ForEach, WhenAll and WhenAny at the root level delegate to a
// fresh BranchBuilder so the root Builder shares the same node vocabulary.

func (b *Builder[S]) If(name string, pred func(state S) bool, then *BranchBuilder[S], els *BranchBuilder[S]) *Builder[S] {
	n := &Node[S]{Kind: KindIf, Name: name, Predicate: pred, Then: then.nodes}
	if els != nil {
		n.Else = els.nodes
	}
	b.nodes = append(b.nodes, n)
	return b
}

func (b *Builder[S]) Switch(name string, selector func(state S) string, cases map[string]*BranchBuilder[S], def *BranchBuilder[S]) *Builder[S] {
	n := &Node[S]{Kind: KindSwitch, Name: name, Selector: selector, Cases: make(map[string][]*Node[S], len(cases))}
	for k, v := range cases {
		n.CaseKeys = append(n.CaseKeys, k)
		n.Cases[k] = v.nodes
	}
	if def != nil {
		n.Default = def.nodes
	}
	b.nodes = append(b.nodes, n)
	return b
}

func (b *Builder[S]) ForEach(name string, seqSelector func(state S) []interface{}, body func(ctx context.Context, state S, item interface{}) error, parallelism int, policy ForEachPolicy) *Builder[S] {
	if parallelism < 1 {
		parallelism = 1
	}
	b.nodes = append(b.nodes, &Node[S]{
		Kind: KindForEach, Name: name,
		SeqSelector: seqSelector, ForEachBody: body,
		Parallelism: parallelism, FailurePolicy: policy,
	})
	return b
}

func (b *Builder[S]) OnItemFail(hook func(ItemFailure)) *Builder[S] {
	if n := b.last(); n != nil && n.Kind == KindForEach {
		n.OnItemFail = hook
	}
	return b
}

func (b *Builder[S]) OnComplete(hook func([]ItemFailure)) *Builder[S] {
	if n := b.last(); n != nil && n.Kind == KindForEach {
		n.OnComplete = hook
	}
	return b
}

func (b *Builder[S]) WhenAll(name string, branches ...*BranchBuilder[S]) *Builder[S] {
	n := &Node[S]{Kind: KindWhenAll, Name: name}
	for _, br := range branches {
		n.Branches = append(n.Branches, br.nodes)
	}
	b.nodes = append(b.nodes, n)
	return b
}

func (b *Builder[S]) WhenAny(name string, branches ...*BranchBuilder[S]) *Builder[S] {
	n := &Node[S]{Kind: KindWhenAny, Name: name}
	for _, br := range branches {
		n.Branches = append(n.Branches, br.nodes)
	}
	b.nodes = append(b.nodes, n)
	return b
}

func (b *Builder[S]) last() *Node[S] {
	if len(b.nodes) == 0 {
		return nil
	}
	return b.nodes[len(b.nodes)-1]
}

// Definition is the compiled, immutable AST the Engine interprets. Position
// values index into Root and, recursively, into each Node's child slices.
type Definition[S State] struct {
	Root []*Node[S]
}
