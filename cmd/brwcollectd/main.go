// brwcollectd reads brw_stats histograms of the local Lustre targets and
// publishes them to brwstored.
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

	"github.com/xtxerr/brwmon/internal/collector"
	"github.com/xtxerr/brwmon/internal/loader"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/metrics"
	"github.com/xtxerr/brwmon/internal/source"
	"github.com/xtxerr/brwmon/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("brwcollectd")

func main() {
	cfgPath := flag.String("config", "", "config file path")
	host := flag.String("host", "", "reported host name (overrides config)")
	interval := flag.Duration("interval", 0, "collection interval (overrides config)")
	root := flag.String("root", "", "directory of target brw_stats (overrides config)")
	publish := flag.String("publish", "", "brwstored address (overrides config)")
	dryRun := flag.Bool("dry-run", false, "print messages to stdout instead of publishing")
	once := flag.Bool("once", false, "collect once and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brwcollectd: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *host != "" {
		cfg.Collector.Host = *host
	}
	if *interval > 0 {
		cfg.Collector.Interval = loader.Duration(*interval)
	}
	if *root != "" {
		cfg.Collector.Source.Root = *root
	}
	if *publish != "" {
		cfg.Collector.Publish.Transport = "tcp"
		cfg.Collector.Publish.Address = *publish
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "brwcollectd: %v\n", err)
		os.Exit(1)
	}
	cfg.InitLogging()
	log.Info("brwcollectd starting", "version", Version, "host", cfg.Collector.Host)

	if err := run(cfg, *dryRun, *once); err != nil {
		log.Error("brwcollectd failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*loader.Config, error) {
	if path == "" {
		return loader.DefaultConfig(), nil
	}
	return loader.Load(path)
}

func run(cfg *loader.Config, dryRun, once bool) error {
	pub, closePub, err := newPublisher(cfg, dryRun)
	if err != nil {
		return err
	}
	defer closePub()

	src := source.NewLustre(cfg.Collector.Source.Root)
	c, err := collector.New(cfg.CollectorConfig(), src, pub, metrics.NewCollect())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		return c.Tick(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})
	if addr := cfg.Collector.MetricsListen; addr != "" {
		g.Go(func() error {
			return metrics.Serve(addr, c.Metrics().Handler(), ctx.Done())
		})
	}

	err = g.Wait()
	log.Info("brwcollectd stopped")
	return err
}

func newPublisher(cfg *loader.Config, dryRun bool) (collector.Publisher, func(), error) {
	if dryRun {
		return &collector.WriterPublisher{W: os.Stdout}, func() {}, nil
	}

	switch cfg.Collector.Publish.Transport {
	case "kafka":
		p, err := transport.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, nil, err
		}
		log.Info("publishing to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		return p, func() { p.Close() }, nil
	default:
		p := transport.NewTCPPublisher(cfg.Collector.Publish.Address)
		p.SetRedialDelay(min(cfg.Collector.Interval.Duration(), 30*time.Second))
		log.Info("publishing to brwstored", "address", cfg.Collector.Publish.Address)
		return p, func() { p.Close() }, nil
	}
}
