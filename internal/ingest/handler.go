// Package ingest is the consumer side of brwmon: it decodes brw_stats
// messages and feeds every histogram bin through the store session.
package ingest

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/metrics"
	"github.com/xtxerr/brwmon/internal/store"
	"github.com/xtxerr/brwmon/internal/wire"
)

var log = logging.Component("ingest")

// Opener opens a fresh store session. It is called at start and after
// every connectivity failure.
type Opener func(ctx context.Context) (*store.Session, error)

// StoreOpener returns an Opener for st.
func StoreOpener(st *store.Store, cfg store.SessionConfig) Opener {
	return func(ctx context.Context) (*store.Session, error) {
		return store.OpenSession(ctx, st, cfg)
	}
}

// Config holds handler settings.
type Config struct {
	// Verbose logs every malformed field.
	Verbose bool

	// ReconnectDelay is the minimum pause between failed session opens.
	// Messages arriving in between are dropped.
	ReconnectDelay time.Duration
}

// Handler decodes messages and writes them to the store. All messages are
// serialized, so the session and its caches are never used concurrently.
type Handler struct {
	mu sync.Mutex

	cfg     Config
	open    Opener
	dec     *wire.Decoder
	metrics *metrics.Ingest

	session *store.Session
	retryAt time.Time
	last    store.SessionStats
}

// New opens the first session and returns the handler. m may be nil.
func New(ctx context.Context, open Opener, cfg Config, m *metrics.Ingest) (*Handler, error) {
	if open == nil {
		return nil, errors.NewMissingField("opener")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.DefaultReconnectDelay
	}
	if m == nil {
		m = metrics.NewIngest()
	}

	h := &Handler{
		cfg:     cfg,
		open:    open,
		dec:     &wire.Decoder{Verbose: cfg.Verbose},
		metrics: m,
	}

	session, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	h.session = session
	h.metrics.Identities.Set(float64(session.Identities().Len()))
	return h, nil
}

// Metrics returns the ingest counters.
func (h *Handler) Metrics() *metrics.Ingest {
	return h.metrics
}

// Handle processes one message. A malformed message is rejected whole.
// On a store connectivity failure the session is reopened and the rest of
// the message is dropped; the error is returned to the caller.
func (h *Handler) Handle(ctx context.Context, msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	defer h.metrics.HandleLatency.Since(start)
	h.metrics.MessagesReceived.Inc()

	report, err := h.dec.Decode(msg)
	if err != nil {
		h.metrics.MessagesDropped.WithLabelValues(metrics.ReasonParse).Inc()
		return err
	}

	if h.session == nil {
		if err := h.reopen(ctx); err != nil {
			h.metrics.MessagesDropped.WithLabelValues(metrics.ReasonStore).Inc()
			return err
		}
	}

	ctx = logging.ContextWithHost(ctx, report.Host)
	err = h.process(ctx, report)
	h.syncStats()

	if err != nil && errors.IsRetriable(err) {
		h.metrics.MessagesDropped.WithLabelValues(metrics.ReasonStore).Inc()
		logging.WithContext(ctx).Error("store failure, message dropped",
			"component", "ingest", "devices", len(report.Devices), "error", err)
		h.reset()
		if rerr := h.reopen(ctx); rerr != nil {
			log.Error("store session reopen failed", "error", rerr)
		}
	}
	return err
}

func (h *Handler) process(ctx context.Context, report *wire.Report) error {
	var firstErr error

	for i := range report.Devices {
		dev := &report.Devices[i]
		h.metrics.Devices.Inc()

		var ioSize *histogram.Histogram
		for _, kind := range histogram.Kinds() {
			hist, err := dev.Histogram(kind)
			if err != nil {
				// The decoder already checked the field frame; only the bins
				// are bad, so the other kinds are still written.
				log.Warn("histogram skipped", "host", report.Host, "device", dev.Name, "kind", kind, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if kind == histogram.IOSize {
				ioSize = hist
			}

			h.metrics.BinsObserved.WithLabelValues(kind.String()).Add(float64(len(hist.Bins)))
			for _, b := range hist.Bins {
				err := h.session.InsertBrwData(ctx, report.Host, dev.Name, kind, b.X, b.Read, b.Write)
				if err == nil {
					continue
				}
				if errors.IsRetriable(err) {
					return err
				}
				log.Warn("bin not stored", "device", dev.Name, "kind", kind, "bin", b.X, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if ioSize != nil {
			sample, clamped := Throughput(ioSize)
			if clamped {
				log.Warn("throughput clamped to BIGINT range", "host", report.Host, "device", dev.Name)
			}
			if err := h.session.InsertOSTData(ctx, report.Host, dev.Name, sample); err != nil {
				if errors.IsRetriable(err) {
					return err
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Throughput derives the bytes moved since the counters were reset from a
// BRW_IOSIZE histogram: the sum of size times count over all bins. Sums
// beyond math.MaxInt64 saturate there and clamped is set.
func Throughput(ioSize *histogram.Histogram) (s store.OSTSample, clamped bool) {
	var rc, wc bool
	for _, b := range ioSize.Bins {
		s.ReadBytes, rc = addProduct(s.ReadBytes, b.X, b.Read)
		s.WriteBytes, wc = addProduct(s.WriteBytes, b.X, b.Write)
		clamped = clamped || rc || wc
	}
	return s, clamped
}

// addProduct returns sum + x*n, saturated at math.MaxInt64.
func addProduct(sum, x, n uint64) (uint64, bool) {
	hi, lo := bits.Mul64(x, n)
	if hi != 0 {
		return math.MaxInt64, true
	}
	total, carry := bits.Add64(sum, lo, 0)
	if carry != 0 || total > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return total, false
}

// syncStats moves session counter deltas into the Prometheus counters.
func (h *Handler) syncStats() {
	if h.session == nil {
		return
	}
	st := h.session.Stats()
	h.metrics.RowsWritten.Add(float64(st.Rows - h.last.Rows))
	h.metrics.Conflicts.Add(float64(st.Conflicts - h.last.Conflicts))
	h.metrics.Skipped.Add(float64(st.Skipped - h.last.Skipped))
	h.metrics.Identities.Set(float64(h.session.Identities().Len()))
	h.last = st
}

// reset abandons the current session. Its caches and open runs are
// discarded with it; nothing more is written to the failed store.
func (h *Handler) reset() {
	if h.session == nil {
		return
	}
	h.session.Abandon()
	h.session = nil
	h.last = store.SessionStats{}
}

// reopen opens a new session unless the last attempt failed less than
// ReconnectDelay ago.
func (h *Handler) reopen(ctx context.Context) error {
	if now := time.Now(); now.Before(h.retryAt) {
		return fmt.Errorf("store session unavailable until %s: %w",
			h.retryAt.Format(time.RFC3339), errors.ErrStoreConnectivity)
	}

	h.metrics.Reconnects.Inc()
	session, err := h.open(ctx)
	if err != nil {
		h.retryAt = time.Now().Add(h.cfg.ReconnectDelay)
		return fmt.Errorf("reopen store session: %w", err)
	}

	log.Info("store session reopened", "identities", session.Identities().Len())
	h.session = session
	h.retryAt = time.Time{}
	return nil
}

// Stats returns the counters of the current session.
func (h *Handler) Stats() store.SessionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return store.SessionStats{}
	}
	return h.session.Stats()
}

// LogStats logs the session counters.
func (h *Handler) LogStats() {
	st := h.Stats()
	snap := h.metrics.HandleLatency.Snapshot()
	log.Info("ingest statistics",
		"epochs", st.Epochs,
		"rows", st.Rows,
		"conflicts", st.Conflicts,
		"skipped", st.Skipped,
		"recorded", st.Dedup.Recorded,
		"deduplicated", st.Dedup.Deduplicated,
		"suppressed", st.Dedup.Suppressed,
		"messages", snap.Count,
		"handle_p50_ms", snap.P50Ms,
		"handle_p99_ms", snap.P99Ms)
}

// Close drains the session into the store.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session == nil {
		return nil
	}
	err := h.session.Close(ctx)
	h.session = nil
	return err
}
