package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MediatorMetrics collects dispatch-level Prometheus series for the
// cqrsflow Mediator, Event Store, Flow Engine, and Outbox. Unlike the
// package-level GetMetrics() singleton, each subsystem owns its own
// MediatorMetrics instance so tests can register independent collectors.
type MediatorMetrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	EventStoreAppendsTotal *prometheus.CounterVec
	EventStoreAppendDuration *prometheus.HistogramVec

	FlowStepsTotal    *prometheus.CounterVec
	FlowStepDuration  *prometheus.HistogramVec
	FlowsInProgress   prometheus.Gauge

	OutboxPendingGauge prometheus.Gauge
	OutboxDispatchedTotal *prometheus.CounterVec
}

// NewMediatorMetrics registers a fresh set of collectors against registerer.
// Pass prometheus.NewRegistry() in tests to avoid collisions with
// DefaultRegisterer's global namespace.
func NewMediatorMetrics(registerer prometheus.Registerer) *MediatorMetrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &MediatorMetrics{
		DispatchTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrsflow_mediator_dispatch_total",
				Help: "Total number of Mediator Send/Publish dispatches",
			},
			[]string{"message_type", "kind", "outcome"},
		),
		DispatchDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrsflow_mediator_dispatch_duration_seconds",
				Help:    "Mediator dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"message_type", "kind"},
		),
		EventStoreAppendsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrsflow_eventstore_appends_total",
				Help: "Total number of event store append attempts",
			},
			[]string{"outcome"},
		),
		EventStoreAppendDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrsflow_eventstore_append_duration_seconds",
				Help:    "Event store append duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		FlowStepsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrsflow_flow_steps_total",
				Help: "Total number of flow engine step executions",
			},
			[]string{"node_kind", "outcome"},
		),
		FlowStepDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrsflow_flow_step_duration_seconds",
				Help:    "Flow engine step execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node_kind"},
		),
		FlowsInProgress: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "cqrsflow_flows_in_progress",
				Help: "Number of flow instances with status Running",
			},
		),
		OutboxPendingGauge: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "cqrsflow_outbox_pending",
				Help: "Number of unprocessed outbox rows",
			},
		),
		OutboxDispatchedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrsflow_outbox_dispatched_total",
				Help: "Total number of outbox dispatch attempts",
			},
			[]string{"outcome"},
		),
	}
}
