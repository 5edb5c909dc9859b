package mediator

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// RecoveryBehavior converts handler/behavior panics into Failure(Fatal). No
// panic crosses the mediator boundary when this is the outermost behavior.
type RecoveryBehavior struct {
	Logger core.Logger
}

func (b *RecoveryBehavior) Name() string { return "recovery" }

func (b *RecoveryBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (result interface{}, err *core.Error) {
	defer func() {
		if r := recover(); r != nil {
			if b.Logger != nil {
				b.Logger.Error(fmt.Sprintf("panic isolated in mediator pipeline for %s: %v", env.MessageType, r))
			}
			result = nil
			err = core.NewError(core.KindFatal, "PANIC_RECOVERED", fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return nxt(ctx, env)
}

// LoggingBehavior emits a structured log line per dispatch.
type LoggingBehavior struct {
	Logger core.Logger
}

func (b *LoggingBehavior) Name() string { return "logging" }

func (b *LoggingBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	start := time.Now()
	logger := b.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	fields := map[string]interface{}{
		"messageId":   env.MessageID,
		"messageType": env.MessageType.String(),
		"isEvent":     env.IsEvent,
	}
	logger.WithFields(fields).Debug("dispatching")

	result, err := nxt(ctx, env)

	elapsed := time.Since(start)
	if err != nil {
		logger.WithFields(fields).Error(fmt.Sprintf("dispatch failed after %s: %s", elapsed, err.Error()))
	} else {
		logger.WithFields(fields).Debug(fmt.Sprintf("dispatch completed in %s", elapsed))
	}
	return result, err
}

// Validator is implemented by request/event bodies that want pre-dispatch
// validation. ValidationBehavior calls it before invoking the handler.
type Validator interface {
	Validate() error
}

// ValidationBehavior rejects malformed bodies before they reach the handler.
type ValidationBehavior struct{}

func (b *ValidationBehavior) Name() string { return "validation" }

func (b *ValidationBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	if err := core.ValidateBody(env.Body); err != nil {
		return nil, err.(*core.Error)
	}
	if v, ok := env.Body.(Validator); ok {
		if verr := v.Validate(); verr != nil {
			return nil, core.Wrap(core.KindValidation, "VALIDATION_FAILED", verr.Error(), verr)
		}
	}
	return nxt(ctx, env)
}

// RetryPolicy configures RetryBehavior's exponential backoff.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the retry defaults used when a RetryBehavior
// is constructed without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// RetryBehavior retries a handler on Transient failures with exponential
// backoff. Only KindTransient failures are retried; every other kind passes
// through unchanged on the first attempt.
type RetryBehavior struct {
	Policy RetryPolicy
}

func (b *RetryBehavior) Name() string { return "retry" }

func (b *RetryBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	policy := b.Policy
	if policy.MaxRetries == 0 && policy.InitialInterval == 0 {
		policy = DefaultRetryPolicy()
	}

	var lastResult interface{}
	var lastErr *core.Error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, core.Wrap(core.KindTransient, "CANCELLED", "context cancelled during retry", ctx.Err())
		}

		lastResult, lastErr = nxt(ctx, env)
		if lastErr == nil || lastErr.Kind != core.KindTransient {
			return lastResult, lastErr
		}

		if attempt < policy.MaxRetries {
			sleep := policy.InitialInterval * time.Duration(1<<uint(attempt))
			if sleep > policy.MaxInterval {
				sleep = policy.MaxInterval
			}
			select {
			case <-ctx.Done():
				return nil, core.Wrap(core.KindTransient, "CANCELLED", "context cancelled during retry", ctx.Err())
			case <-time.After(sleep):
			}
		}
	}
	return lastResult, lastErr
}

// LeaderGate is satisfied by the cluster coordination component; kept as a
// narrow interface here so the mediator package has no dependency on
// pkg/cluster's NATS machinery.
type LeaderGate interface {
	IsLeader() bool
	LeaderEndpoint() (string, bool)
}

// LeaderOnlyBehavior short-circuits with Failure(NotLeader) when this node is
// not the cluster leader.
type LeaderOnlyBehavior struct {
	Gate LeaderGate
}

func (b *LeaderOnlyBehavior) Name() string { return "leader-only" }

func (b *LeaderOnlyBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	if b.Gate != nil && !b.Gate.IsLeader() {
		leader, _ := b.Gate.LeaderEndpoint()
		return nil, core.NewError(core.KindForbidden, CodeNotLeader, fmt.Sprintf("node is not leader (current leader: %s)", leader))
	}
	return nxt(ctx, env)
}

// Forwarder sends a request body to the current leader over the cluster
// transport and returns its response.
type Forwarder interface {
	ForwardToLeader(ctx context.Context, messageType string, body interface{}) (interface{}, error)
}

// ForwardToLeaderBehavior proxies the request through the cluster transport
// when this node is not the leader, instead of failing outright.
type ForwardToLeaderBehavior struct {
	Gate      LeaderGate
	Forwarder Forwarder
}

func (b *ForwardToLeaderBehavior) Name() string { return "forward-to-leader" }

func (b *ForwardToLeaderBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	if b.Gate != nil && !b.Gate.IsLeader() && b.Forwarder != nil {
		result, err := b.Forwarder.ForwardToLeader(ctx, env.MessageType.String(), env.Body)
		if err != nil {
			return nil, core.Wrap(core.KindTransient, "FORWARD_FAILED", "failed to forward request to leader", err)
		}
		return result, nil
	}
	return nxt(ctx, env)
}
