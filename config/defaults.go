// Package config provides configuration defaults and utilities
// for the brwmon collector and store daemons.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Wire Protocol
// =============================================================================

const (
	// ProtocolVersion is the version tag written at the head of every
	// brw_stats message. Decoders reject other versions.
	ProtocolVersion = 1

	// DefaultMaxFieldLen is the maximum length of one encoded histogram
	// field (kind name, braces and all bins).
	// Override via config: collector.max_field_len
	DefaultMaxFieldLen = 1500

	// DefaultMaxMessageLen is the maximum length of one encoded message
	// covering every device of a host.
	// Override via config: collector.max_message_len
	DefaultMaxMessageLen = 64 * 1024

	// DefaultMaxFrameSize limits a single framed message on a TCP stream.
	DefaultMaxFrameSize = 4 * 1024 * 1024
)

// =============================================================================
// Collector Defaults
// =============================================================================

const (
	// DefaultCollectInterval is how often counters are read and published.
	// Override via config: collector.interval
	DefaultCollectInterval = 5 * time.Second

	// DefaultLustreRoot is where per-target brw_stats live on a server.
	// Override via config: collector.source.root
	DefaultLustreRoot = "/proc/fs/lustre/obdfilter"

	// DefaultPublishTimeout bounds one publish attempt.
	// Override via config: collector.publish.timeout
	DefaultPublishTimeout = 10 * time.Second
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultDriver is the database/sql driver used for the store.
	// Supported: "duckdb", "pgx".
	// Override via config: store.driver
	DefaultDriver = "duckdb"

	// DefaultDSN is the DuckDB database file.
	// Override via config: store.dsn
	DefaultDSN = "brwmon.db"

	// DefaultUpdateInterval is the epoch bucket width. Tick times are
	// truncated to this interval before an epoch row is allocated.
	// Override via config: store.update_interval
	DefaultUpdateInterval = 5 * time.Second

	// DefaultMaxIdleEpochs bounds the dedup cache: bins unseen for this many
	// epochs are evicted. 0 keeps every bin for the session lifetime.
	// Override via config: store.max_idle_epochs
	DefaultMaxIdleEpochs = 0

	// DefaultMaxOpenConns is the store connection pool size.
	DefaultMaxOpenConns = 4

	// DefaultMaxIdleConns is the number of idle pooled connections.
	DefaultMaxIdleConns = 2

	// DefaultConnMaxLifetime is the max lifetime of a pooled connection.
	DefaultConnMaxLifetime = 30 * time.Minute

	// DefaultQueryTimeout bounds a single store statement.
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Transport Defaults
// =============================================================================

const (
	// DefaultListenAddress is where brwstored accepts framed messages.
	// Override via config: store.listen
	DefaultListenAddress = "0.0.0.0:9162"

	// DefaultMetricsAddress serves Prometheus metrics.
	// Override via config: store.metrics_listen
	DefaultMetricsAddress = "127.0.0.1:9163"

	// DefaultKafkaTopic carries brw_stats messages keyed by host.
	DefaultKafkaTopic = "brw_stats"

	// DefaultKafkaGroup is the consumer group of brwstored.
	DefaultKafkaGroup = "brwmon-ingest"

	// DefaultRedialDelay is the pause between TCP reconnect attempts.
	DefaultRedialDelay = 2 * time.Second

	// DefaultReconnectDelay is the pause before a failed store session is
	// reopened.
	DefaultReconnectDelay = 5 * time.Second
)

// =============================================================================
// Statistics Defaults
// =============================================================================

const (
	// DefaultSketchAccuracy is the relative accuracy of latency sketches.
	DefaultSketchAccuracy = 0.01

	// DefaultStatsLogInterval is how often ingest statistics are logged.
	// Override via config: store.stats_interval
	DefaultStatsLogInterval = 5 * time.Minute
)
