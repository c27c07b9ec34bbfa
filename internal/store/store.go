// Package store persists brw_stats observations in a relational database.
//
// The store speaks portable SQL so the same schema runs on an embedded
// DuckDB file (the default) or on PostgreSQL/TimescaleDB through pgx.
// Writes go through a Session, which owns the identity and dedup caches.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"
)

// Supported database/sql driver names.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Driver is the database/sql driver, DriverDuckDB or DriverPostgres.
	Driver string

	// DSN is the database connection string. An empty DuckDB DSN opens an
	// in-memory database.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          config.DefaultDriver,
		DSN:             config.DefaultDSN,
		MaxOpenConns:    config.DefaultMaxOpenConns,
		MaxIdleConns:    config.DefaultMaxIdleConns,
		ConnMaxLifetime: config.DefaultConnMaxLifetime,
		QueryTimeout:    config.DefaultQueryTimeout,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store provides database operations.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// New creates a new Store with the given configuration.
func New(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverDuckDB, DriverPostgres:
	case "":
		cfg.Driver = config.DefaultDriver
	default:
		return nil, errors.NewInvalidValue("store.driver", cfg.Driver, "want duckdb or pgx")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("ping database: %w", err))
	}

	log.Debug("store opened", "driver", cfg.Driver, "dsn", redactDSN(cfg.Driver, cfg.DSN))

	return &Store{
		db:     db,
		config: cfg,
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.config.Driver
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// Query Helpers
// =============================================================================

// withTimeout applies the configured query timeout unless ctx already
// carries an earlier deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < s.config.QueryTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// redactDSN hides credentials in a PostgreSQL URL before logging.
func redactDSN(driver, dsn string) string {
	if driver != DriverPostgres {
		return dsn
	}
	return "postgres://***"
}
