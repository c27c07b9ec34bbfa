// Package loader handles configuration file loading, validation, and
// conversion into the settings of the individual packages.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the result
//   - Converting between YAML and internal representations
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/collector"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/export"
	"github.com/xtxerr/brwmon/internal/ingest"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/store"
	"github.com/xtxerr/brwmon/internal/validation"
)

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Collector: CollectorConfig{
			Host:          host,
			Interval:      Duration(config.DefaultCollectInterval),
			MaxFieldLen:   ByteSize(config.DefaultMaxFieldLen),
			MaxMessageLen: ByteSize(config.DefaultMaxMessageLen),
			Source: SourceConfig{
				Root: config.DefaultLustreRoot,
			},
			Publish: PublishConfig{
				Transport: "tcp",
				Address:   "127.0.0.1:9162",
				Timeout:   Duration(config.DefaultPublishTimeout),
			},
		},
		Store: StoreConfig{
			Driver:          config.DefaultDriver,
			DSN:             config.DefaultDSN,
			MaxOpenConns:    config.DefaultMaxOpenConns,
			MaxIdleConns:    config.DefaultMaxIdleConns,
			ConnMaxLifetime: Duration(config.DefaultConnMaxLifetime),
			QueryTimeout:    Duration(config.DefaultQueryTimeout),
			UpdateInterval:  Duration(config.DefaultUpdateInterval),
			Autoconf:        true,
			MaxIdleEpochs:   config.DefaultMaxIdleEpochs,
			Listen:          config.DefaultListenAddress,
			MetricsListen:   config.DefaultMetricsAddress,
			ReconnectDelay:  Duration(config.DefaultReconnectDelay),
			StatsInterval:   Duration(config.DefaultStatsLogInterval),
		},
		Kafka: KafkaConfig{
			Topic: config.DefaultKafkaTopic,
			Group: config.DefaultKafkaGroup,
		},
		Export: ExportConfig{
			Compression: "zstd",
		},
	}
}

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML text on top of the defaults.
// Environment variables in the text are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", errors.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		errs.AddField("logging.format", "must be text or json")
	}

	// Collector
	if err := validation.ValidateHostName(cfg.Collector.Host); err != nil {
		errs.AddField("collector.host", err.Error())
	}
	if cfg.Collector.Interval.Duration() < time.Second {
		errs.AddField("collector.interval", "must be at least 1s")
	}
	if cfg.Collector.MaxFieldLen.Bytes() <= 0 {
		errs.AddField("collector.max_field_len", "must be positive")
	}
	if cfg.Collector.MaxMessageLen.Bytes() < cfg.Collector.MaxFieldLen.Bytes() {
		errs.AddField("collector.max_message_len", "must not be smaller than max_field_len")
	}
	if cfg.Collector.MaxMessageLen.Bytes() > config.DefaultMaxFrameSize {
		errs.AddField("collector.max_message_len", fmt.Sprintf("must not exceed %d", config.DefaultMaxFrameSize))
	}
	switch cfg.Collector.Publish.Transport {
	case "tcp":
		if cfg.Collector.Publish.Address == "" {
			errs.AddMissing("collector.publish.address")
		}
	case "kafka":
		if !cfg.Kafka.Enabled() {
			errs.AddField("kafka.brokers", "required for the kafka transport")
		}
	default:
		errs.AddField("collector.publish.transport", "must be tcp or kafka")
	}

	// Store
	switch cfg.Store.Driver {
	case store.DriverDuckDB, store.DriverPostgres:
	default:
		errs.AddField("store.driver", "must be duckdb or pgx")
	}
	if cfg.Store.Driver == store.DriverPostgres && cfg.Store.DSN == "" {
		errs.AddMissing("store.dsn")
	}
	if cfg.Store.UpdateInterval.Duration() < time.Second {
		errs.AddField("store.update_interval", "must be at least 1s")
	}
	if (cfg.Store.TLS.CertFile == "") != (cfg.Store.TLS.KeyFile == "") {
		errs.AddField("store.tls", "cert_file and key_file must be set together")
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// InitLogging initializes the global logger from the logging section.
func (c *Config) InitLogging() {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logging.Init(level, c.Logging.Format == "json")
}

// StoreConfig returns the database settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime.Duration(),
		QueryTimeout:    c.Store.QueryTimeout.Duration(),
	}
}

// SessionConfig returns the store session settings.
func (c *Config) SessionConfig() store.SessionConfig {
	cfg := store.DefaultSessionConfig()
	cfg.Autoconf = c.Store.Autoconf
	cfg.UpdateInterval = c.Store.UpdateInterval.Duration()
	cfg.MaxIdleEpochs = c.Store.MaxIdleEpochs
	cfg.Debug = c.Debug.DB
	return cfg
}

// IngestConfig returns the ingest handler settings.
func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		Verbose:        c.Debug.Proto,
		ReconnectDelay: c.Store.ReconnectDelay.Duration(),
	}
}

// CollectorConfig returns the collector settings.
func (c *Config) CollectorConfig() collector.Config {
	return collector.Config{
		Host:           c.Collector.Host,
		Interval:       c.Collector.Interval.Duration(),
		PublishTimeout: c.Collector.Publish.Timeout.Duration(),
		MaxFieldLen:    int(c.Collector.MaxFieldLen.Bytes()),
		MaxMessageLen:  int(c.Collector.MaxMessageLen.Bytes()),
	}
}

// ExportOptions returns the Parquet writer options.
func (c *Config) ExportOptions() export.Options {
	opts := export.DefaultOptions()
	opts.Compression = export.ParseCompressionType(c.Export.Compression)
	return opts
}
