package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/core/concurrency"
)

// runWithRetry executes body with the given per-step RetryPolicy and
// Timeout. Retries happen within the same tick and never advance Position
// until the step either succeeds or exhausts its attempts.
func (e *Engine[S]) runWithRetry(rs *runState[S], name string, body func(ctx context.Context, state S) error, retry *RetryPolicy, timeout time.Duration) *core.Error {
	policy := DefaultRetryPolicy()
	if retry != nil {
		policy = *retry
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := rs.checkCancel(); err != nil {
			return err
		}

		stepCtx := rs.ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(rs.ctx, timeout)
		}
		lastErr = runStepBody(stepCtx, rs.state, body, name)
		if cancel != nil {
			if lastErr == nil && stepCtx.Err() == context.DeadlineExceeded {
				lastErr = fmt.Errorf("step %q timed out after %s", name, timeout)
			}
			cancel()
		}

		if lastErr == nil {
			return nil
		}
		if attempt < policy.MaxAttempts {
			select {
			case <-time.After(policy.backoffFor(attempt)):
			case <-rs.ctx.Done():
				return core.Wrap(core.KindTransient, "CANCELLED", "flow cancelled during step retry backoff", rs.ctx.Err())
			}
		}
	}
	return core.Wrap(core.KindFatal, "STEP_FAILED", fmt.Sprintf("step %q failed after %d attempt(s): %v", name, policy.MaxAttempts, lastErr), lastErr)
}

// runStepBody isolates a panicking step body into a plain error, the same
// recovery contract the mediator's RecoveryBehavior applies to handlers.
func runStepBody[S State](ctx context.Context, state S, body func(ctx context.Context, state S) error, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", name, r)
		}
	}()
	return body(ctx, state)
}

// runForEach snapshots the sequence at entry, so adding items mid-iteration
// does not change the iteration, then runs the body once per item,
// sequentially or with bounded concurrency. The body is responsible
// for synchronizing any of its own writes into the shared state when
// Parallelism > 1 — the engine does not serialize access on its behalf.
//
// Bounded parallelism is delegated to a pkg/core/concurrency.Executor sized
// to Parallelism workers. The Executor is built over context.Background(),
// not cctx: its workers stop taking queued tasks as soon as its context is
// cancelled, so tying the Executor's lifetime to the per-call cancelable
// cctx (cancelled by StopOnFirstFailure) would abandon already-queued items
// instead of letting them run to completion. Each task still observes cctx
// itself, for cooperative cancellation of its own body.
func (e *Engine[S]) runForEach(rs *runState[S], node *Node[S]) *core.Error {
	items := node.SeqSelector(rs.state)
	if len(items) == 0 {
		if node.OnComplete != nil {
			node.OnComplete(nil)
		}
		return nil
	}

	parallelism := node.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	cctx, cancel := context.WithCancel(rs.ctx)
	defer cancel()

	exec := concurrency.NewExecutor(context.Background(), concurrency.ExecutorConfig{
		Workers:   parallelism,
		QueueSize: len(items),
	})

	var (
		mu       sync.Mutex
		failures []ItemFailure
		firstErr error
	)

	done := make(chan struct{}, len(items))
	submitted := 0

	for idx, item := range items {
		if cctx.Err() != nil {
			break
		}
		idx, item := idx, item

		task := concurrency.NewNamedTask(fmt.Sprintf("foreach-%s-%d", node.Name, idx), func(context.Context) error {
			defer func() { done <- struct{}{} }()

			itemErr := func() (result error) {
				defer func() {
					if r := recover(); r != nil {
						result = fmt.Errorf("foreach %q item %d panicked: %v", node.Name, idx, r)
					}
				}()
				return node.ForEachBody(cctx, rs.state, item)
			}()

			if itemErr == nil {
				return nil
			}
			failure := ItemFailure{Index: idx, Item: item, Err: itemErr}
			mu.Lock()
			failures = append(failures, failure)
			if firstErr == nil {
				firstErr = itemErr
			}
			mu.Unlock()

			if node.OnItemFail != nil {
				node.OnItemFail(failure)
			}
			if node.FailurePolicy == StopOnFirstFailure {
				cancel()
			}
			return itemErr
		})

		if err := exec.Submit(task); err != nil {
			// The queue is sized to len(items), so a rejection here means
			// backpressure against an already-full in-flight batch, not a
			// shutdown race; treat it as an item failure like any other.
			failure := ItemFailure{Index: idx, Item: item, Err: err}
			mu.Lock()
			failures = append(failures, failure)
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			if node.OnItemFail != nil {
				node.OnItemFail(failure)
			}
			if node.FailurePolicy == StopOnFirstFailure {
				cancel()
			}
			continue
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		<-done
	}
	_ = exec.Shutdown(context.Background())

	if node.OnComplete != nil {
		node.OnComplete(failures)
	}

	if node.FailurePolicy == StopOnFirstFailure && len(failures) > 0 {
		return core.Wrap(core.KindFatal, "FOREACH_FAILED", fmt.Sprintf("foreach %q stopped on first failure (%d of %d item(s) failed)", node.Name, len(failures), len(items)), firstErr)
	}
	return nil
}

// runWhenAll runs every branch concurrently and succeeds only when all
// succeed; on the first failure it cancels the remaining branches
// cooperatively and reports that first failure. Each branch's completion is
// wired through a PromiseT[struct{}], and the combined wait is the
// future.go WhenAll combinator — the flow interpreter's branch machinery is
// the thing FutureT/PromiseT exist to back.
func (e *Engine[S]) runWhenAll(rs *runState[S], node *Node[S], pos Position) *core.Error {
	if len(node.Branches) == 0 {
		return nil
	}

	cctx, cancel := context.WithCancel(rs.ctx)
	defer cancel()

	type branchRun struct {
		sub    *runState[S]
		failed bool
	}

	runs := make([]*branchRun, len(node.Branches))
	promises := make([]awaiter[struct{}], len(node.Branches))
	done := make(chan *branchRun, len(node.Branches))

	for i, branch := range node.Branches {
		i, branch := i, branch
		sub := &runState[S]{ctx: cctx, state: rs.state, flowID: rs.flowID, engine: rs.engine}
		r := &branchRun{sub: sub}
		runs[i] = r
		p := NewPromiseT[struct{}]()
		promises[i] = p

		go func() {
			bpos := append(pos.Clone(), i)
			if err := e.runList(sub, branch, bpos, nil); err != nil {
				r.failed = true
				p.Fail(err)
			} else {
				p.Complete(struct{}{})
			}
			done <- r
		}()
	}

	for range node.Branches {
		if r := <-done; r.failed {
			cancel()
		}
	}

	for _, r := range runs {
		for _, c := range r.sub.compensations() {
			rs.addCompensation(c.name, c.body)
		}
	}

	// Every branch has already completed its promise by this point, so the
	// combinator resolves immediately; it still owns the "first failure
	// wins" semantics rather than exec_nodes re-implementing them here.
	_, err := WhenAll(rs.ctx, promises...).Await(rs.ctx)
	if err == nil {
		return nil
	}
	if fe, ok := err.(*core.Error); ok {
		return fe
	}
	return core.Wrap(core.KindFatal, "WHEN_ALL_FAILED", "whenAll branch failed", err)
}

// runWhenAny runs every branch concurrently and completes with the first
// branch to succeed, cancelling the rest; it fails only if every branch
// fails. Wired on the same future.go WhenAny combinator as runWhenAll.
func (e *Engine[S]) runWhenAny(rs *runState[S], node *Node[S], pos Position) *core.Error {
	if len(node.Branches) == 0 {
		return nil
	}

	cctx, cancel := context.WithCancel(rs.ctx)
	defer cancel()

	type branchRun struct {
		sub *runState[S]
		ok  bool
	}

	runs := make([]*branchRun, len(node.Branches))
	promises := make([]awaiter[struct{}], len(node.Branches))
	done := make(chan *branchRun, len(node.Branches))

	for i, branch := range node.Branches {
		i, branch := i, branch
		sub := &runState[S]{ctx: cctx, state: rs.state, flowID: rs.flowID, engine: rs.engine}
		r := &branchRun{sub: sub}
		runs[i] = r
		p := NewPromiseT[struct{}]()
		promises[i] = p

		go func() {
			bpos := append(pos.Clone(), i)
			if err := e.runList(sub, branch, bpos, nil); err != nil {
				p.Fail(err)
			} else {
				r.ok = true
				p.Complete(struct{}{})
			}
			done <- r
		}()
	}

	for range node.Branches {
		if r := <-done; r.ok {
			cancel()
		}
	}

	for _, r := range runs {
		if r.ok {
			for _, c := range r.sub.compensations() {
				rs.addCompensation(c.name, c.body)
			}
		}
	}

	_, err := WhenAny(rs.ctx, promises...).Await(rs.ctx)
	if err == nil {
		return nil
	}
	if fe, ok := err.(*core.Error); ok {
		return fe
	}
	return core.Wrap(core.KindFatal, "WHEN_ANY_FAILED", "whenAny: all branches failed", err)
}

