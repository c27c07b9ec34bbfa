// Package collector reads the local brw_stats histograms on every tick,
// encodes them into one message and hands it to a publisher.
package collector

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/metrics"
	"github.com/xtxerr/brwmon/internal/source"
	"github.com/xtxerr/brwmon/internal/validation"
	"github.com/xtxerr/brwmon/internal/wire"
)

var log = logging.Component("collector")

// =============================================================================
// Publisher
// =============================================================================

// Publisher delivers an encoded message to the store side.
type Publisher interface {
	Publish(ctx context.Context, host, msg string) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, host, msg string) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, host, msg string) error {
	return f(ctx, host, msg)
}

// WriterPublisher writes every message as one line to W. Used for dry runs.
type WriterPublisher struct {
	mu sync.Mutex
	W  io.Writer
}

// Publish writes msg followed by a newline.
func (p *WriterPublisher) Publish(_ context.Context, _ string, msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.W, msg)
	return err
}

// =============================================================================
// Collector
// =============================================================================

// Config holds collector settings.
type Config struct {
	// Host is the name sent in the message header.
	Host string

	// Interval between ticks.
	Interval time.Duration

	// PublishTimeout bounds one Publish call.
	PublishTimeout time.Duration

	// MaxFieldLen and MaxMessageLen override the encoder limits.
	MaxFieldLen   int
	MaxMessageLen int
}

// Collector is the producer loop.
type Collector struct {
	cfg     Config
	src     source.Source
	pub     Publisher
	enc     *wire.Encoder
	metrics *metrics.Collect
}

// New creates a collector. m may be nil.
func New(cfg Config, src source.Source, pub Publisher, m *metrics.Collect) (*Collector, error) {
	if err := validation.ValidateHostName(cfg.Host); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.NewMissingField("source")
	}
	if pub == nil {
		return nil, errors.NewMissingField("publisher")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultCollectInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = config.DefaultPublishTimeout
	}
	if m == nil {
		m = metrics.NewCollect()
	}

	enc := wire.NewEncoder()
	if cfg.MaxFieldLen > 0 {
		enc.MaxFieldLen = cfg.MaxFieldLen
	}
	if cfg.MaxMessageLen > 0 {
		enc.MaxMessageLen = cfg.MaxMessageLen
	}

	return &Collector{cfg: cfg, src: src, pub: pub, enc: enc, metrics: m}, nil
}

// Metrics returns the collector counters.
func (c *Collector) Metrics() *metrics.Collect {
	return c.metrics
}

// Collect reads every device and encodes one message. Devices whose
// histograms are not available are skipped with a warning. A message
// without devices is still valid.
func (c *Collector) Collect(ctx context.Context) (string, error) {
	start := time.Now()
	defer c.metrics.CollectLatency.Since(start)

	names, err := c.src.Devices(ctx)
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}

	devices := make([]wire.Device, 0, len(names))
	for _, name := range names {
		hists, err := source.ReadAll(ctx, c.src, name)
		if err != nil {
			if errors.Is(err, errors.ErrNotAvailable) {
				c.metrics.Unavailable.Inc()
				log.Warn("device skipped", "device", name, "error", err)
				continue
			}
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		devices = append(devices, wire.Device{Name: name, Hists: hists})
	}

	msg, err := c.enc.Encode(c.cfg.Host, devices)
	if err != nil {
		return "", err
	}
	c.metrics.MessageBytes.Set(float64(len(msg)))
	return msg, nil
}

// Tick collects and publishes one message.
func (c *Collector) Tick(ctx context.Context) error {
	c.metrics.Ticks.Inc()

	msg, err := c.Collect(ctx)
	if err != nil {
		c.metrics.MessagesDropped.WithLabelValues(metrics.ReasonEncode).Inc()
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	err = c.pub.Publish(pctx, c.cfg.Host, msg)
	c.metrics.PublishLatency.Since(start)
	if err != nil {
		c.metrics.MessagesDropped.WithLabelValues(metrics.ReasonPublish).Inc()
		return fmt.Errorf("publish: %w", err)
	}
	c.metrics.Published.Inc()
	return nil
}

// Run ticks on the configured interval until ctx is done. Failed ticks are
// logged and the loop continues.
func (c *Collector) Run(ctx context.Context) error {
	log.Info("collector started", "host", c.cfg.Host, "interval", c.cfg.Interval)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error("tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("collector stopped", "host", c.cfg.Host)
			return nil
		case <-ticker.C:
		}
	}
}
