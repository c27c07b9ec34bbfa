// brwstored receives brw_stats messages from collectors and writes them
// to the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/ingest"
	"github.com/xtxerr/brwmon/internal/loader"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/metrics"
	"github.com/xtxerr/brwmon/internal/store"
	"github.com/xtxerr/brwmon/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("brwstored")

func main() {
	cfgPath := flag.String("config", "", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	driver := flag.String("driver", "", "database driver, duckdb or pgx (overrides config)")
	dsn := flag.String("db", "", "database file or URL (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brwstored: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Store.Listen = *listen
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if *noTLS {
		cfg.Store.TLS = loader.TLSConfig{}
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "brwstored: %v\n", err)
		os.Exit(1)
	}
	cfg.InitLogging()
	log.Info("brwstored starting", "version", Version)

	if err := run(cfg); err != nil {
		log.Error("brwstored failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*loader.Config, error) {
	if path == "" {
		return loader.DefaultConfig(), nil
	}
	return loader.Load(path)
}

func run(cfg *loader.Config) error {
	if cfg.Store.Listen == "" && !cfg.Kafka.Enabled() {
		return fmt.Errorf("no input: set store.listen or kafka.brokers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Store
	// =========================================================================

	st, err := store.New(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CreateSchema(ctx); err != nil {
		return err
	}

	h, err := ingest.New(ctx, ingest.StoreOpener(st, cfg.SessionConfig()), cfg.IngestConfig(), metrics.NewIngest())
	if err != nil {
		return err
	}
	defer func() {
		// Drain the dedup cache so open runs get their end rows.
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Store.QueryTimeout.Duration())
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			log.Error("drain failed", "error", err)
		}
		h.LogStats()
	}()

	// =========================================================================
	// Listeners
	// =========================================================================

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Store.Listen != "" {
		srv := transport.NewTCPServer(transport.ServerConfig{
			Listen:       cfg.Store.Listen,
			TLSCertFile:  cfg.Store.TLS.CertFile,
			TLSKeyFile:   cfg.Store.TLS.KeyFile,
			MaxFrameSize: config.DefaultMaxFrameSize,
		}, h)
		if err := srv.Listen(); err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Serve(ctx)
		})
	}

	if cfg.Kafka.Enabled() {
		consumer, err := transport.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Group, h)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	if addr := cfg.Store.MetricsListen; addr != "" {
		g.Go(func() error {
			return metrics.Serve(addr, h.Metrics().Handler(), ctx.Done())
		})
	}

	if every := cfg.Store.StatsInterval.Duration(); every > 0 {
		g.Go(func() error {
			logStats(ctx, h, every)
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func logStats(ctx context.Context, h *ingest.Handler, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.LogStats()
		}
	}
}
