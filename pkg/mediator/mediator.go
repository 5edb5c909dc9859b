package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// Envelope is the untyped message handed down the behavior pipeline. Body
// carries the request or event as interface{}; the outermost Send/Publish
// call is the only place the static type is known.
type Envelope struct {
	MessageID   core.MessageID
	MessageType reflect.Type
	Body        interface{}
	IsEvent     bool
}

// next is the continuation a Behavior calls to invoke the rest of the
// pipeline (and eventually the handler itself).
type next func(ctx context.Context, env *Envelope) (interface{}, *core.Error)

// Behavior wraps the terminal handler as a concentric layer. Registration
// order is outermost-first: behaviors run in declared order before the
// handler and in reverse order after.
type Behavior interface {
	Name() string
	Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error)
}

type registryEntry struct {
	invoke     func(ctx context.Context, body interface{}) (interface{}, *core.Error)
	isEvent    bool
	handlerIDs []string
}

// Mediator routes Requests to a single registered handler and Events to all
// registered handlers, through an ordered behavior pipeline. Registration is
// eager and finalized before first dispatch; resolution is a plain map
// lookup, never mutated concurrently with dispatch.
type Mediator struct {
	mu         sync.RWMutex
	requests   map[reflect.Type]*registryEntry
	events     map[reflect.Type][]*registryEntry
	behaviors  []Behavior
	logger     core.Logger
	finalized  bool
}

// New creates a Mediator with the given behavior pipeline, outermost first.
func New(logger core.Logger, behaviors ...Behavior) *Mediator {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Mediator{
		requests:  make(map[reflect.Type]*registryEntry),
		events:    make(map[reflect.Type][]*registryEntry),
		behaviors: behaviors,
		logger:    logger,
	}
}

// RegisterRequestHandler binds the single handler for request type Req,
// producing Res. Registering a second handler for the same Req is a
// build-time error (returned here, since this repo's registration happens at
// startup rather than via reflection-time discovery).
func RegisterRequestHandler[Req any, Res any](m *Mediator, handler func(ctx context.Context, req Req) Result[Res]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return core.NewError(core.KindConfiguration, "REGISTRY_FINALIZED", "cannot register handlers after Mediator has dispatched")
	}

	t := reflect.TypeOf((*Req)(nil)).Elem()
	if _, exists := m.requests[t]; exists {
		return core.NewError(core.KindConfiguration, "AMBIGUOUS_HANDLER", fmt.Sprintf("more than one handler registered for request type %s", t))
	}

	m.requests[t] = &registryEntry{
		invoke: func(ctx context.Context, body interface{}) (interface{}, *core.Error) {
			req, ok := body.(Req)
			if !ok {
				return nil, core.NewError(core.KindFatal, "TYPE_MISMATCH", "dispatched body does not match registered request type")
			}
			res := handler(ctx, req)
			if res.IsFailure() {
				return nil, res.Error()
			}
			return res.Value(), nil
		},
	}
	return nil
}

// RegisterEventHandler adds one of N handlers for event type Evt. Handlers
// run in registration order.
func RegisterEventHandler[Evt any](m *Mediator, name string, handler func(ctx context.Context, evt Evt) Result[struct{}]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return core.NewError(core.KindConfiguration, "REGISTRY_FINALIZED", "cannot register handlers after Mediator has dispatched")
	}

	t := reflect.TypeOf((*Evt)(nil)).Elem()
	entry := &registryEntry{
		isEvent: true,
		invoke: func(ctx context.Context, body interface{}) (interface{}, *core.Error) {
			evt, ok := body.(Evt)
			if !ok {
				return nil, core.NewError(core.KindFatal, "TYPE_MISMATCH", "dispatched body does not match registered event type")
			}
			res := handler(ctx, evt)
			if res.IsFailure() {
				return nil, res.Error()
			}
			return struct{}{}, nil
		},
	}
	entry.handlerIDs = []string{name}
	m.events[t] = append(m.events[t], entry)
	return nil
}

func (m *Mediator) finalize() {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
}

// runPipeline builds the concentric behavior chain around terminal and
// invokes it. Behaviors are composed so index 0 is outermost.
func (m *Mediator) runPipeline(ctx context.Context, env *Envelope, terminal next) (interface{}, *core.Error) {
	chain := terminal
	for i := len(m.behaviors) - 1; i >= 0; i-- {
		b := m.behaviors[i]
		prev := chain
		chain = func(ctx context.Context, env *Envelope) (interface{}, *core.Error) {
			return b.Handle(ctx, env, prev)
		}
	}
	return chain(ctx, env)
}

// Send routes req to the single registered handler for Req, returning Res.
func Send[Req any, Res any](m *Mediator, ctx context.Context, req Req) Result[Res] {
	m.finalize()
	if core.GetRequestID(ctx) == "" {
		ctx = core.WithNewRequestID(ctx)
	}
	t := reflect.TypeOf((*Req)(nil)).Elem()

	m.mu.RLock()
	entry, ok := m.requests[t]
	m.mu.RUnlock()

	env := &Envelope{
		MessageID:   core.NewMessageID(),
		MessageType: t,
		Body:        req,
	}

	if !ok {
		return Failure[Res](core.NewError(core.KindNotFound, CodeNoHandler, fmt.Sprintf("no handler registered for request type %s", t)))
	}

	result, err := m.runPipeline(ctx, env, func(ctx context.Context, env *Envelope) (interface{}, *core.Error) {
		return entry.invoke(ctx, env.Body)
	})
	if err != nil {
		return Failure[Res](err)
	}
	typed, ok := result.(Res)
	if !ok {
		return Failure[Res](core.NewError(core.KindFatal, "TYPE_MISMATCH", "handler result did not match declared response type"))
	}
	return Success(typed)
}

// SendVoid is Send for void-response commands (Req with no meaningful Res).
func SendVoid[Req any](m *Mediator, ctx context.Context, req Req) Result[struct{}] {
	return Send[Req, struct{}](m, ctx, req)
}

// AggregatedFailure reports the handlers that failed during a Publish call.
type AggregatedFailure struct {
	Failures []HandlerFailure
}

func (a *AggregatedFailure) Error() string {
	return fmt.Sprintf("%d of N event handlers failed", len(a.Failures))
}

// Publish invokes every registered handler for Evt, in registration order.
// Returns Success if all succeeded; otherwise Failure(AggregateEventFailure)
// with a per-handler breakdown. A failing handler never cancels the others.
func Publish[Evt any](m *Mediator, ctx context.Context, evt Evt) Result[struct{}] {
	m.finalize()
	if core.GetRequestID(ctx) == "" {
		ctx = core.WithNewRequestID(ctx)
	}
	t := reflect.TypeOf((*Evt)(nil)).Elem()

	m.mu.RLock()
	entries := append([]*registryEntry(nil), m.events[t]...)
	m.mu.RUnlock()

	env := &Envelope{
		MessageID:   core.NewMessageID(),
		MessageType: t,
		Body:        evt,
		IsEvent:     true,
	}

	var failures []HandlerFailure
	for _, entry := range entries {
		entry := entry
		_, err := m.runPipeline(ctx, env, func(ctx context.Context, env *Envelope) (interface{}, *core.Error) {
			return entry.invoke(ctx, env.Body)
		})
		if err != nil {
			name := t.String()
			if len(entry.handlerIDs) > 0 {
				name = entry.handlerIDs[0]
			}
			failures = append(failures, HandlerFailure{HandlerName: name, Err: err})
		}
	}

	if len(failures) > 0 {
		return Failure[struct{}](core.Wrap(core.KindFatal, CodeAggregateEventFailed, fmt.Sprintf("%d handler(s) failed for event %s", len(failures), t), &AggregatedFailure{Failures: failures}))
	}
	return Success(struct{}{})
}
