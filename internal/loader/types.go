// Package loader - Configuration Types
//
// Defines the YAML configuration shared by brwcollectd, brwstored and
// brwctl. Each daemon reads the sections it needs:
//
//	logging:    level, format
//	debug:      verbose protocol and store diagnostics
//	collector:  host name, interval, counter source, publish target
//	store:      database, epochs, autoconfiguration, listeners
//	kafka:      brokers, topic, consumer group
//	export:     Parquet compression
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Debug     DebugConfig     `yaml:"debug"`
	Collector CollectorConfig `yaml:"collector"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Export    ExportConfig    `yaml:"export"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text
	Format string `yaml:"format"`
}

// DebugConfig enables verbose diagnostics.
type DebugConfig struct {
	// Proto logs every malformed wire field with its value.
	Proto bool `yaml:"proto"`

	// DB logs every skipped sample and store error.
	DB bool `yaml:"db"`
}

// =============================================================================
// Collector Configuration
// =============================================================================

// CollectorConfig configures brwcollectd.
type CollectorConfig struct {
	// Host is the name reported in every message.
	// Default: os.Hostname()
	Host string `yaml:"host"`

	// Interval between collections.
	// Default: 5s
	Interval Duration `yaml:"interval"`

	// MaxFieldLen bounds one encoded histogram field.
	// Default: 1500
	MaxFieldLen ByteSize `yaml:"max_field_len"`

	// MaxMessageLen bounds one encoded message.
	// Default: 64KB
	MaxMessageLen ByteSize `yaml:"max_message_len"`

	// MetricsListen serves /metrics of the collector. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	Source  SourceConfig  `yaml:"source"`
	Publish PublishConfig `yaml:"publish"`
}

// SourceConfig locates the counters.
type SourceConfig struct {
	// Root is the directory holding one subdirectory per target.
	// Default: /proc/fs/lustre/obdfilter
	Root string `yaml:"root"`
}

// PublishConfig selects where messages go.
type PublishConfig struct {
	// Transport is "tcp" or "kafka".
	// Default: tcp
	Transport string `yaml:"transport"`

	// Address of brwstored for the tcp transport.
	// Default: 127.0.0.1:9162
	Address string `yaml:"address"`

	// Timeout bounds one publish.
	// Default: 10s
	Timeout Duration `yaml:"timeout"`
}

// =============================================================================
// Store Configuration
// =============================================================================

// StoreConfig configures brwstored and brwctl.
type StoreConfig struct {
	// Driver is "duckdb" or "pgx".
	// Default: duckdb
	Driver string `yaml:"driver"`

	// DSN is the database file (duckdb) or connection URL (pgx).
	// Use environment variables for credentials: "${BRWMON_DSN}"
	// Default: brwmon.db
	DSN string `yaml:"dsn"`

	// MaxOpenConns is the connection pool size.
	// Default: 4
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the number of idle pooled connections.
	// Default: 2
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the max age of a pooled connection.
	// Default: 30m
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	// QueryTimeout bounds a single statement.
	// Default: 30s
	QueryTimeout Duration `yaml:"query_timeout"`

	// UpdateInterval is the epoch bucket width.
	// Default: 5s
	UpdateInterval Duration `yaml:"update_interval"`

	// Autoconf inserts identity rows for unknown hosts and devices.
	// Default: true
	Autoconf bool `yaml:"autoconf"`

	// MaxIdleEpochs evicts dedup state of bins unseen for this many
	// epochs. 0 keeps all state for the session.
	// Default: 0
	MaxIdleEpochs uint64 `yaml:"max_idle_epochs"`

	// Listen is the TCP address for collector connections. Empty disables
	// the TCP listener.
	// Default: 0.0.0.0:9162
	Listen string `yaml:"listen"`

	// MetricsListen serves /metrics. Empty disables it.
	// Default: 127.0.0.1:9163
	MetricsListen string `yaml:"metrics_listen"`

	// ReconnectDelay is the pause between failed session reopens.
	// Default: 5s
	ReconnectDelay Duration `yaml:"reconnect_delay"`

	// StatsInterval is how often ingest statistics are logged.
	// Default: 5m
	StatsInterval Duration `yaml:"stats_interval"`

	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to disable TLS.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// =============================================================================
// Kafka and Export
// =============================================================================

// KafkaConfig configures the Kafka transport on both sides.
type KafkaConfig struct {
	// Brokers are the seed brokers. Empty disables Kafka.
	Brokers []string `yaml:"brokers"`

	// Topic carries brw_stats messages.
	// Default: brw_stats
	Topic string `yaml:"topic"`

	// Group is the consumer group of brwstored.
	// Default: brwmon-ingest
	Group string `yaml:"group"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// ExportConfig configures Parquet export.
type ExportConfig struct {
	// Compression is one of zstd, snappy, lz4, gzip, none.
	// Default: zstd
	Compression string `yaml:"compression"`
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML as "5s"
// or as a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "64KB", "1MB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	size, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "KB" is not read as "B".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size string like "64KB" or "1MB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
