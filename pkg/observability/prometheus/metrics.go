package prometheus

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "cqrsflow"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the process-wide collectors that are not owned by a single
// subsystem: database pool health and the custom metrics registry. Dispatch,
// event store, flow and outbox series live on MediatorMetrics instead.
type Metrics struct {
	// Database pool metrics
	DatabaseConnectionsOpen  prometheus.Gauge
	DatabaseConnectionsIdle  prometheus.Gauge
	DatabaseConnectionsInUse prometheus.Gauge
	DatabaseConnectionsWait  prometheus.Counter
	DatabaseQueryDuration    *prometheus.HistogramVec

	// Custom metrics registry
	CustomCounters   map[string]*prometheus.CounterVec
	CustomGauges     map[string]*prometheus.GaugeVec
	CustomHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		DatabaseConnectionsOpen: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "cqrsflow_database_connections_open",
				Help: "Number of open database connections",
			},
		),
		DatabaseConnectionsIdle: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "cqrsflow_database_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DatabaseConnectionsInUse: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "cqrsflow_database_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DatabaseConnectionsWait: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "cqrsflow_database_connections_wait_total",
				Help: "Total number of database connection wait events",
			},
		),
		DatabaseQueryDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrsflow_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"}, // operation: query, exec, begin
		),

		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomGauges:     make(map[string]*prometheus.GaugeVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
	}
}

// ObserveDBStats samples a database/sql pool's stats into the pool gauges.
// Callers poll this on an interval (or after notable operations); the wait
// counter is cumulative in DBStats, so only the delta since the previous
// sample is added.
func (m *Metrics) ObserveDBStats(stats sql.DBStats, lastWaitCount int64) int64 {
	m.DatabaseConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DatabaseConnectionsIdle.Set(float64(stats.Idle))
	m.DatabaseConnectionsInUse.Set(float64(stats.InUse))
	if delta := stats.WaitCount - lastWaitCount; delta > 0 {
		m.DatabaseConnectionsWait.Add(float64(delta))
	}
	return stats.WaitCount
}

// RecordDatabaseQuery records a database query metric
func (m *Metrics) RecordDatabaseQuery(operation string, duration time.Duration) {
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Counter creates or returns a custom counter metric
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(DefaultRegisterer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(DefaultRegisterer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.CustomHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if histogram, exists := m.CustomHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(DefaultRegisterer).NewHistogramVec(opts, labels)
	m.CustomHistograms[name] = histogram
	return histogram
}

// Convenience functions for global metrics

// Counter returns a custom counter metric (creates if doesn't exist)
func Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return GetMetrics().Counter(name, help, labels...)
}

// Gauge returns a custom gauge metric (creates if doesn't exist)
func Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return GetMetrics().Gauge(name, help, labels...)
}

// Histogram returns a custom histogram metric (creates if doesn't exist)
func Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return GetMetrics().Histogram(name, help, buckets, labels...)
}
