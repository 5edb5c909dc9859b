// Package flow implements the durable step/branch/loop/parallel workflow
// DSL: a declarative AST interpreted by Engine, with position-based resume
// after failure and step-level compensation.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// Engine interprets a Definition[S] against a durable Store, one flow
// instance at a time; distinct instances run fully in parallel with no
// shared state. Within one instance nodes run one after another, except
// that ForEach items (Parallelism > 1) and WhenAll/WhenAny branches run
// concurrently.
type Engine[S State] struct {
	store   Store
	logger  core.Logger
	factory func() S
}

// NewEngine creates an Engine backed by store. factory must return a fresh,
// zero-valued S so Resume can decode a persisted state into it.
func NewEngine[S State](store Store, logger core.Logger, factory func() S) *Engine[S] {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Engine[S]{store: store, logger: logger, factory: factory}
}

type compEntry[S State] struct {
	name string
	body func(ctx context.Context, state S) error
}

// runState carries the mutable, per-invocation bookkeeping the interpreter
// threads through recursive descent: the ambient context, the shared state
// payload, and the stack of compensations registered by completed steps.
type runState[S State] struct {
	ctx   context.Context
	state S

	mu sync.Mutex
	// comps is populated only within a single Execute/Resume call; it is not
	// persisted. After a crash, Resume starts a fresh runState, so Compensate
	// only unwinds steps completed since the resume point, not the full set
	// of steps completed before the crash.
	comps      []compEntry[S]
	lastPos    Position
	failPos    Position
	failPosSet bool

	// retryFailed is set when resuming a flow whose last recorded status
	// was Failed: the node at the resume position never completed and must
	// be re-entered, not skipped. It is false for a fresh start and for
	// resuming a Running flow recovering from a process crash, where the
	// recorded position is the last *completed* node.
	retryFailed bool

	flowID string
	engine *Engine[S]
}

func (rs *runState[S]) checkCancel() *core.Error {
	if err := rs.ctx.Err(); err != nil {
		return core.Wrap(core.KindTransient, "CANCELLED", "flow execution cancelled", err)
	}
	return nil
}

func (rs *runState[S]) addCompensation(name string, body func(ctx context.Context, state S) error) {
	if body == nil {
		return
	}
	rs.mu.Lock()
	rs.comps = append(rs.comps, compEntry[S]{name: name, body: body})
	rs.mu.Unlock()
}

func (rs *runState[S]) compensations() []compEntry[S] {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]compEntry[S], len(rs.comps))
	copy(out, rs.comps)
	return out
}

func (rs *runState[S]) persist(pos Position) *core.Error {
	rs.mu.Lock()
	rs.lastPos = pos
	rs.mu.Unlock()
	return rs.engine.save(rs.ctx, rs.flowID, rs.state, pos, StatusRunning, "", 0)
}

func (rs *runState[S]) lastPosition() Position {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastPos
}

// recordFailure captures the position of the node that originated a
// failure, first-write-wins so a wrapping container (If/Switch) that simply
// propagates a deeper error never overwrites the true origin.
func (rs *runState[S]) recordFailure(pos Position) {
	rs.mu.Lock()
	if !rs.failPosSet {
		rs.failPos = pos.Clone()
		rs.failPosSet = true
	}
	rs.mu.Unlock()
}

func (rs *runState[S]) failurePosition() (Position, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.failPos, rs.failPosSet
}

func (e *Engine[S]) save(ctx context.Context, flowID string, state S, pos Position, status Status, lastErr string, attempts int) *core.Error {
	payload, err := json.Marshal(state)
	if err != nil {
		return core.Wrap(core.KindFatal, "ENCODE_FAILED", "failed to encode flow state", err)
	}
	return e.store.Save(ctx, &record{
		FlowID:    flowID,
		State:     payload,
		Position:  pos,
		Status:    status,
		LastError: lastErr,
		Attempts:  attempts,
	})
}

// Execute starts a brand-new flow instance from the given initial state and
// runs it to completion (or to its first unrecovered failure).
func (e *Engine[S]) Execute(ctx context.Context, def *Definition[S], state S) (*Snapshot[S], *core.Error) {
	flowID := state.FlowID()
	if flowID == "" {
		return nil, core.NewError(core.KindValidation, "INVALID_FLOW_ID", "flow state must carry a non-empty flowId")
	}
	if err := e.save(ctx, flowID, state, nil, StatusRunning, "", 0); err != nil {
		return nil, err
	}
	return e.run(ctx, def, flowID, state, nil, false)
}

// Resume loads the persisted snapshot for flowId and continues execution
// from its recorded position. A terminal snapshot (Succeeded/Compensated)
// returns immediately without re-entering the interpreter.
func (e *Engine[S]) Resume(ctx context.Context, def *Definition[S], flowID string) (*Snapshot[S], *core.Error) {
	rec, err := e.store.Load(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, core.NewError(core.KindNotFound, "FLOW_NOT_FOUND", fmt.Sprintf("no flow snapshot for id %q", flowID))
	}

	state := e.factory()
	if len(rec.State) > 0 {
		if decErr := json.Unmarshal(rec.State, &state); decErr != nil {
			return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to decode flow state", decErr)
		}
	}

	if rec.Status.IsTerminal() {
		return &Snapshot[S]{FlowID: flowID, State: state, Position: rec.Position, Status: rec.Status, LastError: rec.LastError, Attempts: rec.Attempts, UpdatedAt: rec.UpdatedAt}, nil
	}

	return e.run(ctx, def, flowID, state, rec.Position, rec.Status == StatusFailed)
}

func (e *Engine[S]) run(ctx context.Context, def *Definition[S], flowID string, state S, resume Position, retryFailed bool) (*Snapshot[S], *core.Error) {
	rs := &runState[S]{ctx: ctx, state: state, flowID: flowID, engine: e, retryFailed: retryFailed}

	runErr := e.runList(rs, def.Root, Position{}, resume)

	if runErr == nil {
		if err := e.save(ctx, flowID, state, nil, StatusSucceeded, "", 0); err != nil {
			return nil, err
		}
		return &Snapshot[S]{FlowID: flowID, State: state, Status: StatusSucceeded}, nil
	}

	failPos, ok := rs.failurePosition()
	if !ok {
		failPos = resume
	}

	comps := rs.compensations()
	if len(comps) > 0 {
		if err := e.save(ctx, flowID, state, failPos, StatusCompensating, runErr.Error(), 0); err != nil {
			e.logger.Error("failed to persist compensating status: " + err.Error())
		}
		for i := len(comps) - 1; i >= 0; i-- {
			c := comps[i]
			e.runCompensation(ctx, state, c)
		}
		if err := e.save(ctx, flowID, state, nil, StatusCompensated, runErr.Error(), 0); err != nil {
			return nil, err
		}
		return &Snapshot[S]{FlowID: flowID, State: state, Status: StatusCompensated, LastError: runErr.Error()}, runErr
	}

	if err := e.save(ctx, flowID, state, failPos, StatusFailed, runErr.Error(), 0); err != nil {
		return nil, err
	}
	return &Snapshot[S]{FlowID: flowID, State: state, Status: StatusFailed, LastError: runErr.Error()}, runErr
}

func (e *Engine[S]) runCompensation(ctx context.Context, state S, c compEntry[S]) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(fmt.Sprintf("compensation %q panicked: %v", c.name, r))
		}
	}()
	if err := c.body(ctx, state); err != nil {
		e.logger.Error(fmt.Sprintf("compensation %q failed: %v", c.name, err))
	}
}

// runList executes nodes in pre-order starting at resume (nil/empty means
// start at index 0). resume[0] names the index within nodes that was either
// a container still in progress (len(resume)>1: re-enter it with the
// remaining path, unambiguous since only an incomplete container can have
// pushed a deeper path) or, at the deepest level (len(resume)==1), either
// the last-completed node (recovering after a crash mid-Running: skip it)
// or the node that failed and must be retried (resuming a Failed flow),
// disambiguated by rs.retryFailed.
func (e *Engine[S]) runList(rs *runState[S], nodes []*Node[S], prefix Position, resume Position) *core.Error {
	start := 0
	var descend Position
	if len(resume) > 0 {
		start = resume[0]
		switch {
		case len(resume) > 1:
			descend = resume[1:]
		case !rs.retryFailed:
			start++
		}
	}

	for i := start; i < len(nodes); i++ {
		if err := rs.checkCancel(); err != nil {
			rs.recordFailure(append(prefix.Clone(), i))
			return err
		}
		pos := append(prefix.Clone(), i)
		var nr Position
		if i == start && descend != nil {
			nr = descend
		}
		if err := e.runNode(rs, nodes[i], pos, nr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine[S]) runNode(rs *runState[S], node *Node[S], pos Position, resume Position) *core.Error {
	switch node.Kind {
	case KindStep:
		if err := e.runWithRetry(rs, node.Name, node.StepBody, node.Retry, node.Timeout); err != nil {
			rs.recordFailure(pos)
			return err
		}
		rs.addCompensation(node.Name, node.CompensateBody)
		return rs.persist(pos)

	case KindSend:
		body := func(ctx context.Context, state S) error {
			req := node.RequestFactory(state)
			result, err := node.Dispatch(ctx, req)
			if err != nil {
				return err
			}
			if node.ResultSink != nil {
				node.ResultSink(state, result)
			}
			return nil
		}
		if err := e.runWithRetry(rs, node.Name, body, node.Retry, node.Timeout); err != nil {
			rs.recordFailure(pos)
			return err
		}
		rs.addCompensation(node.Name, node.CompensateBody)
		return rs.persist(pos)

	case KindIf:
		branch := node.Else
		if node.Predicate(rs.state) {
			branch = node.Then
		}
		if err := e.runList(rs, branch, pos, resume); err != nil {
			return err
		}
		return rs.persist(pos)

	case KindSwitch:
		key := node.Selector(rs.state)
		branch, ok := node.Cases[key]
		if !ok {
			branch = node.Default
		}
		if err := e.runList(rs, branch, pos, resume); err != nil {
			return err
		}
		return rs.persist(pos)

	case KindForEach:
		if err := e.runForEach(rs, node); err != nil {
			rs.recordFailure(pos)
			return err
		}
		return rs.persist(pos)

	case KindWhenAll:
		if err := e.runWhenAll(rs, node, pos); err != nil {
			rs.recordFailure(pos)
			return err
		}
		return rs.persist(pos)

	case KindWhenAny:
		if err := e.runWhenAny(rs, node, pos); err != nil {
			rs.recordFailure(pos)
			return err
		}
		return rs.persist(pos)
	}
	return core.NewError(core.KindFatal, "UNKNOWN_NODE_KIND", fmt.Sprintf("unrecognized node kind %q", node.Kind))
}
