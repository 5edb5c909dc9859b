package mediator

import (
	"context"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/observability/prometheus"
	"github.com/fluxorio/cqrsflow/pkg/observability/tracing"
	otelcodes "go.opentelemetry.io/otel/codes"
)

// TracingBehavior wraps dispatch in an OpenTelemetry span.
type TracingBehavior struct{}

func (b *TracingBehavior) Name() string { return "tracing" }

func (b *TracingBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	ctx, span := tracing.StartDispatchSpan(ctx, env.MessageType.String(), env.IsEvent)
	result, err := nxt(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Message)
	}
	span.End()
	return result, err
}

// MetricsBehavior records Prometheus counters/histograms per dispatch.
type MetricsBehavior struct {
	Metrics *prometheus.MediatorMetrics
}

func (b *MetricsBehavior) Name() string { return "metrics" }

func (b *MetricsBehavior) Handle(ctx context.Context, env *Envelope, nxt next) (interface{}, *core.Error) {
	if b.Metrics == nil {
		return nxt(ctx, env)
	}

	kind := "request"
	if env.IsEvent {
		kind = "event"
	}
	start := time.Now()
	result, err := nxt(ctx, env)
	duration := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	b.Metrics.DispatchTotal.WithLabelValues(env.MessageType.String(), kind, outcome).Inc()
	b.Metrics.DispatchDuration.WithLabelValues(env.MessageType.String(), kind).Observe(duration.Seconds())
	return result, err
}
