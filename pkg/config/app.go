package config

import "fmt"

// AppConfig is the top-level configuration for a cqrsflow deployment:
// which event store backend to run, how to reach the database and NATS,
// and where traces go.
type AppConfig struct {
	EventStore  EventStoreConfig  `yaml:"event_store" json:"event_store"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	NATS        NATSConfig        `yaml:"nats" json:"nats"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
}

// EventStoreConfig selects the event store backend.
type EventStoreConfig struct {
	// Backend is one of "memory", "postgres", "fs".
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the segment-file directory for the "fs" backend.
	Dir string `yaml:"dir" json:"dir"`
}

// DatabaseConfig configures the shared SQL pool backing the snapshot, flow
// and reliability stores.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3".
	Driver   string `yaml:"driver" json:"driver"`
	DSN      string `yaml:"dsn" json:"dsn"`
	MaxConns int    `yaml:"max_conns" json:"max_conns"`
}

// NATSConfig configures the cluster coordination connection.
type NATSConfig struct {
	URL    string `yaml:"url" json:"url"`
	Bucket string `yaml:"bucket" json:"bucket"`
	// LeaseTTLSeconds is the lock/leader lease length.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds" json:"lease_ttl_seconds"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	// Exporter is one of "stdout", "jaeger", "zipkin".
	Exporter    string `yaml:"exporter" json:"exporter"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// ReliabilityConfig tunes the outbox processor.
type ReliabilityConfig struct {
	OutboxBatchSize   int    `yaml:"outbox_batch_size" json:"outbox_batch_size"`
	OutboxMaxAttempts int    `yaml:"outbox_max_attempts" json:"outbox_max_attempts"`
	OriginQueue       string `yaml:"origin_queue" json:"origin_queue"`
}

// DefaultAppConfig returns a single-node, dependency-free configuration.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		EventStore: EventStoreConfig{Backend: "memory"},
		Database:   DatabaseConfig{Driver: "sqlite3", DSN: "file::memory:?cache=shared", MaxConns: 25},
		NATS:       NATSConfig{URL: "nats://127.0.0.1:4222", Bucket: "cqrsflow", LeaseTTLSeconds: 10},
		Tracing:    TracingConfig{Exporter: "stdout", ServiceName: "cqrsflow"},
		Reliability: ReliabilityConfig{
			OutboxBatchSize:   100,
			OutboxMaxAttempts: 5,
			OriginQueue:       "outbox",
		},
	}
}

// ValidateAppConfig is a Validator for AppConfig values.
var ValidateAppConfig = ValidatorFunc(func(config interface{}) error {
	cfg, ok := config.(*AppConfig)
	if !ok {
		return fmt.Errorf("expected *AppConfig, got %T", config)
	}

	switch cfg.EventStore.Backend {
	case "memory", "postgres":
	case "fs":
		if cfg.EventStore.Dir == "" {
			return fmt.Errorf("event_store.dir is required for the fs backend")
		}
	default:
		return fmt.Errorf("unknown event_store.backend %q", cfg.EventStore.Backend)
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unknown database.driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be positive")
	}

	if cfg.NATS.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("nats.lease_ttl_seconds must be positive")
	}

	switch cfg.Tracing.Exporter {
	case "", "stdout":
	case "jaeger", "zipkin":
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for the %s exporter", cfg.Tracing.Exporter)
		}
	default:
		return fmt.Errorf("unknown tracing.exporter %q", cfg.Tracing.Exporter)
	}

	return nil
})
