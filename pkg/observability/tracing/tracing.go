// Package tracing provides OpenTelemetry span helpers for Mediator dispatch
// and Flow Engine steps.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects which OTel span exporter NewProvider wires up.
type Exporter string

const (
	ExporterStdout Exporter = "stdout"
	ExporterJaeger Exporter = "jaeger"
	ExporterZipkin Exporter = "zipkin"
)

// ProviderConfig configures the process-wide TracerProvider.
type ProviderConfig struct {
	Exporter    Exporter
	Endpoint    string
	ServiceName string
}

// NewProvider builds an sdktrace.TracerProvider for the configured exporter.
// Callers are responsible for calling Shutdown on the returned provider.
func NewProvider(cfg ProviderConfig) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case ExporterJaeger:
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case ExporterZipkin:
		exporter, err = zipkin.New(cfg.Endpoint)
	case ExporterStdout, "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "cqrsflow"
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(provider)
	return provider, nil
}

// Tracer returns the named tracer from the global otel TracerProvider; the
// span helpers below use it.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartDispatchSpan opens a span around a Mediator Send/Publish dispatch.
func StartDispatchSpan(ctx context.Context, messageType string, isEvent bool) (context.Context, trace.Span) {
	kind := "request"
	if isEvent {
		kind = "event"
	}
	ctx, span := Tracer("cqrsflow/mediator").Start(ctx, "mediator.dispatch",
		trace.WithAttributes(
			attribute.String("message_type", messageType),
			attribute.String("dispatch_kind", kind),
		),
	)
	return ctx, span
}

// EndSpan records err (if any) on span and closes it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartFlowStepSpan opens a span around one Flow Engine node execution.
func StartFlowStepSpan(ctx context.Context, flowID string, nodeKind string, position string) (context.Context, trace.Span) {
	ctx, span := Tracer("cqrsflow/flow").Start(ctx, "flow.step",
		trace.WithAttributes(
			attribute.String("flow_id", flowID),
			attribute.String("node_kind", nodeKind),
			attribute.String("position", position),
		),
	)
	return ctx, span
}
