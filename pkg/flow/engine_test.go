package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testState struct {
	BaseState
	Log      []string
	FailOnce bool
	Attempts int
	Failures []ItemFailure
}

func newTestState(id string) *testState {
	return &testState{BaseState: NewBaseState(id)}
}

func TestEngine_LinearFlowSucceeds(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	def := NewBuilder[*testState]().
		Step("S1", func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "S1")
			return nil
		}).
		Step("S2", func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "S2")
			return nil
		}).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
	if got := snap.State.Log; len(got) != 2 || got[0] != "S1" || got[1] != "S2" {
		t.Fatalf("log = %v", got)
	}
}

// A flow with steps [S1, S2_FAIL, S3, S4] fails at S2; Resume after the
// condition is fixed runs S2, S3, S4 to Succeeded without re-running S1.
func TestEngine_ResumeAfterFix(t *testing.T) {
	store := NewMemoryStore()
	fail := int32(1)

	buildDef := func() *Definition[*testState] {
		return NewBuilder[*testState]().
			Step("S1", func(ctx context.Context, s *testState) error {
				s.Log = append(s.Log, "S1")
				return nil
			}).
			Step("S2", func(ctx context.Context, s *testState) error {
				if atomic.LoadInt32(&fail) == 1 {
					return errors.New("transient condition")
				}
				s.Log = append(s.Log, "S2")
				return nil
			}).
			Step("S3", func(ctx context.Context, s *testState) error {
				s.Log = append(s.Log, "S3")
				return nil
			}).
			Step("S4", func(ctx context.Context, s *testState) error {
				s.Log = append(s.Log, "S4")
				return nil
			}).
			Build()
	}

	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	snap, err := engine.Execute(context.Background(), buildDef(), newTestState("flow-resume"))
	if err == nil {
		t.Fatalf("expected first run to fail")
	}
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want Failed", snap.Status)
	}
	if got := snap.State.Log; len(got) != 1 || got[0] != "S1" {
		t.Fatalf("log after first run = %v, want [S1]", got)
	}

	rec, rerr := store.Load(context.Background(), "flow-resume")
	if rerr != nil || rec == nil {
		t.Fatalf("load after failure: %v, %v", rec, rerr)
	}
	if !rec.Position.Equal(Position{1}) {
		t.Fatalf("persisted position = %v, want [1] (S2)", rec.Position)
	}

	atomic.StoreInt32(&fail, 0)

	snap2, err2 := engine.Resume(context.Background(), buildDef(), "flow-resume")
	if err2 != nil {
		t.Fatalf("resume: %v", err2)
	}
	if snap2.Status != StatusSucceeded {
		t.Fatalf("status after resume = %s, want Succeeded", snap2.Status)
	}
	want := []string{"S1", "S2", "S3", "S4"}
	got := snap2.State.Log
	if len(got) != len(want) {
		t.Fatalf("log after resume = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("log[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEngine_ResumeOnTerminalFlowIsNoop(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	def := NewBuilder[*testState]().
		Step("only", func(ctx context.Context, s *testState) error { return nil }).
		Build()

	if _, err := engine.Execute(context.Background(), def, newTestState("flow-term")); err != nil {
		t.Fatalf("execute: %v", err)
	}

	snap, err := engine.Resume(context.Background(), def, "flow-term")
	if err != nil {
		t.Fatalf("resume on succeeded flow should not error: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
}

func TestEngine_CompensationRunsInReverseOrder(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	def := NewBuilder[*testState]().
		Step("Reserve", func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "reserve")
			return nil
		}).
		Compensate(func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "release-reserve")
			return nil
		}).
		Step("Charge", func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "charge")
			return nil
		}).
		Compensate(func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "refund")
			return nil
		}).
		Step("Ship", func(ctx context.Context, s *testState) error {
			return errors.New("carrier unavailable")
		}).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-comp"))
	if err == nil {
		t.Fatalf("expected flow to fail")
	}
	if snap.Status != StatusCompensated {
		t.Fatalf("status = %s, want Compensated", snap.Status)
	}
	want := []string{"reserve", "charge", "refund", "release-reserve"}
	got := snap.State.Log
	if len(got) != len(want) {
		t.Fatalf("log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("log[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEngine_IfElseBranches(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	then := NewBranch[*testState]().Step("then-branch", func(ctx context.Context, s *testState) error {
		s.Log = append(s.Log, "then")
		return nil
	})
	els := NewBranch[*testState]().Step("else-branch", func(ctx context.Context, s *testState) error {
		s.Log = append(s.Log, "else")
		return nil
	})

	def := NewBuilder[*testState]().
		If("check", func(s *testState) bool { return len(s.Log) == 0 }, then, els).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-if"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(snap.State.Log) != 1 || snap.State.Log[0] != "then" {
		t.Fatalf("log = %v, want [then]", snap.State.Log)
	}
}

func TestEngine_SwitchDispatchesSingleCase(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	cases := map[string]*BranchBuilder[*testState]{
		"a": NewBranch[*testState]().Step("a", func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "a")
			return nil
		}),
		"b": NewBranch[*testState]().Step("b", func(ctx context.Context, s *testState) error {
			s.Log = append(s.Log, "b")
			return nil
		}),
	}
	def := NewBuilder[*testState]().
		Switch("which", func(s *testState) string { return "b" }, cases, nil).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-switch"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(snap.State.Log) != 1 || snap.State.Log[0] != "b" {
		t.Fatalf("log = %v, want [b]", snap.State.Log)
	}
}

// 100 items at parallelism=10, each sleeping 50ms, should finish in well
// under the 1s sequential time, with OnComplete firing exactly once.
func TestEngine_ForEachParallelism(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	var mu sync.Mutex
	var processed []int
	var onCompleteCalls int32

	items := make([]interface{}, 100)
	for i := range items {
		items[i] = i
	}

	def := NewBuilder[*testState]().
		ForEach("items", func(s *testState) []interface{} { return items }, func(ctx context.Context, s *testState, item interface{}) error {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			processed = append(processed, item.(int))
			mu.Unlock()
			return nil
		}, 10, ContinueOnFailure).
		OnComplete(func(failures []ItemFailure) {
			atomic.AddInt32(&onCompleteCalls, 1)
		}).
		Build()

	start := time.Now()
	snap, err := engine.Execute(context.Background(), def, newTestState("flow-foreach"))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
	if elapsed >= time.Second {
		t.Fatalf("elapsed = %s, want < 1s (parallelism not honoured)", elapsed)
	}
	mu.Lock()
	count := len(processed)
	mu.Unlock()
	if count != 100 {
		t.Fatalf("processed %d items, want 100", count)
	}
	if atomic.LoadInt32(&onCompleteCalls) != 1 {
		t.Fatalf("OnComplete called %d times, want 1", onCompleteCalls)
	}
}

func TestEngine_ForEachEmptySequenceCompletesAndFiresOnComplete(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	var onCompleteCalls int32
	def := NewBuilder[*testState]().
		ForEach("empty", func(s *testState) []interface{} { return nil }, func(ctx context.Context, s *testState, item interface{}) error {
			t.Fatalf("body should never run for an empty sequence")
			return nil
		}, 1, StopOnFirstFailure).
		OnComplete(func(failures []ItemFailure) {
			atomic.AddInt32(&onCompleteCalls, 1)
			if failures != nil {
				t.Fatalf("failures = %v, want nil", failures)
			}
		}).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-empty-foreach"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
	if onCompleteCalls != 1 {
		t.Fatalf("OnComplete called %d times, want 1", onCompleteCalls)
	}
}

func TestEngine_ForEachStopOnFirstFailure(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	items := []interface{}{1, 2, 3}
	def := NewBuilder[*testState]().
		ForEach("items", func(s *testState) []interface{} { return items }, func(ctx context.Context, s *testState, item interface{}) error {
			if item.(int) == 2 {
				return fmt.Errorf("item %d failed", item)
			}
			return nil
		}, 1, StopOnFirstFailure).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-foreach-stop"))
	if err == nil {
		t.Fatalf("expected failure")
	}
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want Failed", snap.Status)
	}
}

func TestEngine_WhenAllFailsOnFirstBranchFailure(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	ok := NewBranch[*testState]().Step("ok", func(ctx context.Context, s *testState) error { return nil })
	bad := NewBranch[*testState]().Step("bad", func(ctx context.Context, s *testState) error {
		return errors.New("branch failed")
	})

	def := NewBuilder[*testState]().WhenAll("all", ok, bad).Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-whenall"))
	if err == nil {
		t.Fatalf("expected failure")
	}
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want Failed", snap.Status)
	}
}

func TestEngine_WhenAnySucceedsIfOneBranchSucceeds(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	bad := NewBranch[*testState]().Step("bad", func(ctx context.Context, s *testState) error {
		return errors.New("branch failed")
	})
	ok := NewBranch[*testState]().Step("ok", func(ctx context.Context, s *testState) error { return nil })

	def := NewBuilder[*testState]().WhenAny("any", bad, ok).Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-whenany"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
}

func TestEngine_RetryRecoversTransientFailure(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	attempts := 0
	def := NewBuilder[*testState]().
		Step("flaky", func(ctx context.Context, s *testState) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		}).
		WithRetry(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}).
		Build()

	snap, err := engine.Execute(context.Background(), def, newTestState("flow-retry"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
