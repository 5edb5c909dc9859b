package flow

import (
	"context"
	"sync"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// Future represents an asynchronous computation. It backs the WhenAll/
// WhenAny branch machinery of the flow interpreter.
type Future interface {
	Complete(result interface{})
	Fail(err error)
	OnSuccess(handler func(interface{})) Future
	OnFailure(handler func(error)) Future
	Await(ctx context.Context) (interface{}, error)
}

// Promise is a writable Future.
type Promise interface {
	Future
}

type futureResult struct {
	value interface{}
	err   error
}

type future struct {
	resultChan      chan futureResult
	once            sync.Once
	mu              sync.RWMutex
	completed       bool
	result          futureResult
	successHandlers []func(interface{})
	failureHandlers []func(error)
}

// NewFuture creates a new, pending Future.
func NewFuture() Future {
	return &future{resultChan: make(chan futureResult, 1)}
}

// NewPromise creates a new, pending Promise.
func NewPromise() Promise {
	return NewFuture()
}

func (f *future) Complete(result interface{}) {
	f.once.Do(func() {
		f.mu.Lock()
		f.completed = true
		f.result = futureResult{value: result}
		handlers := f.successHandlers
		f.mu.Unlock()

		select {
		case f.resultChan <- f.result:
		default:
		}
		for _, h := range handlers {
			h(result)
		}
	})
}

func (f *future) Fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.completed = true
		f.result = futureResult{err: err}
		handlers := f.failureHandlers
		f.mu.Unlock()

		select {
		case f.resultChan <- f.result:
		default:
		}
		for _, h := range handlers {
			h(err)
		}
	})
}

func (f *future) OnSuccess(handler func(interface{})) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		if f.result.err == nil {
			handler(f.result.value)
		}
		return f
	}
	f.successHandlers = append(f.successHandlers, handler)
	return f
}

func (f *future) OnFailure(handler func(error)) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		if f.result.err != nil {
			handler(f.result.err)
		}
		return f
	}
	f.failureHandlers = append(f.failureHandlers, handler)
	return f
}

func (f *future) Await(ctx context.Context) (interface{}, error) {
	f.mu.RLock()
	if f.completed {
		r := f.result
		f.mu.RUnlock()
		return r.value, r.err
	}
	f.mu.RUnlock()

	select {
	case r := <-f.resultChan:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FutureT is a type-safe Future built on Future via generics.
type FutureT[T any] struct {
	future Future
}

// PromiseT is a type-safe, writable FutureT.
type PromiseT[T any] struct {
	FutureT[T]
}

// NewFutureT creates a new, pending type-safe Future.
func NewFutureT[T any]() *FutureT[T] {
	return &FutureT[T]{future: NewFuture()}
}

// NewPromiseT creates a new, pending type-safe Promise.
func NewPromiseT[T any]() *PromiseT[T] {
	return &PromiseT[T]{FutureT: FutureT[T]{future: NewPromise()}}
}

func (f *FutureT[T]) Await(ctx context.Context) (T, error) {
	var zero T
	result, err := f.future.Await(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, core.NewError(core.KindFatal, "FUTURE_TYPE_MISMATCH", "future result did not match expected type")
	}
	return typed, nil
}

func (f *FutureT[T]) OnSuccess(handler func(T)) *FutureT[T] {
	f.future.OnSuccess(func(result interface{}) {
		if typed, ok := result.(T); ok {
			handler(typed)
		}
	})
	return f
}

func (f *FutureT[T]) OnFailure(handler func(error)) *FutureT[T] {
	f.future.OnFailure(handler)
	return f
}

func (p *PromiseT[T]) Complete(value T) { p.future.Complete(value) }
func (p *PromiseT[T]) Fail(err error)   { p.future.Fail(err) }

// awaiter is satisfied by both *FutureT[T] and *PromiseT[T].
type awaiter[T any] interface {
	Await(context.Context) (T, error)
}

// WhenAll waits for every branch to succeed (Promise.all semantics). On the
// first failure it fails immediately with that branch's error; cancellation
// of the remaining branches is left to the caller's ctx.
func WhenAll[T any](ctx context.Context, branches ...awaiter[T]) *FutureT[[]T] {
	promise := NewPromiseT[[]T]()

	go func() {
		type indexed struct {
			i   int
			val T
			err error
		}
		results := make([]T, len(branches))
		done := make(chan indexed, len(branches))

		for i, b := range branches {
			go func(i int, b awaiter[T]) {
				val, err := b.Await(ctx)
				done <- indexed{i: i, val: val, err: err}
			}(i, b)
		}

		for range branches {
			r := <-done
			if r.err != nil {
				promise.Fail(r.err)
				return
			}
			results[r.i] = r.val
		}
		promise.Complete(results)
	}()

	return &promise.FutureT
}

// WhenAny completes with the first branch to succeed (Promise.race
// semantics restricted to successes); fails only once every branch fails.
func WhenAny[T any](ctx context.Context, branches ...awaiter[T]) *FutureT[T] {
	promise := NewPromiseT[T]()

	go func() {
		type indexed struct {
			val T
			err error
		}
		done := make(chan indexed, len(branches))
		for _, b := range branches {
			go func(b awaiter[T]) {
				val, err := b.Await(ctx)
				done <- indexed{val: val, err: err}
			}(b)
		}

		var lastErr error
		for i := 0; i < len(branches); i++ {
			r := <-done
			if r.err == nil {
				promise.Complete(r.val)
				return
			}
			lastErr = r.err
		}
		promise.Fail(lastErr)
	}()

	return &promise.FutureT
}
