// Package metrics exposes brwmon runtime counters to Prometheus and tracks
// operation latencies with DDSketch percentiles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/brwmon/internal/logging"
)

var log = logging.Component("metrics")

const namespace = "brwmon"

// Drop reasons used with MessagesDropped.
const (
	ReasonParse   = "parse"
	ReasonStore   = "store"
	ReasonPublish = "publish"
	ReasonEncode  = "encode"
)

// =============================================================================
// Ingest Metrics
// =============================================================================

// Ingest holds the counters of the store daemon. Each Ingest owns its
// registry so tests can build as many as they like.
type Ingest struct {
	registry *prometheus.Registry

	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	Devices          prometheus.Counter
	BinsObserved     *prometheus.CounterVec
	RowsWritten      prometheus.Counter
	Conflicts        prometheus.Counter
	Skipped          prometheus.Counter
	Reconnects       prometheus.Counter
	Identities       prometheus.Gauge

	HandleLatency *Latency
}

// NewIngest creates and registers the ingest counters.
func NewIngest() *Ingest {
	m := &Ingest{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Total number of brw_stats messages received",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped, by reason",
		}, []string{"reason"}),
		Devices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "devices_total",
			Help:      "Total number of device blocks processed",
		}),
		BinsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bins_observed_total",
			Help:      "Total number of histogram bins observed, by counter kind",
		}, []string{"kind"}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_written_total",
			Help:      "Total number of rows inserted",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "duplicate_rows_total",
			Help:      "Total number of inserts that met an existing row",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "skipped_samples_total",
			Help:      "Total number of samples skipped for unknown identities",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "reconnects_total",
			Help:      "Total number of store session reopens",
		}),
		Identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "identities",
			Help:      "Number of cached identity IDs",
		}),

		HandleLatency: NewLatency(),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.Devices,
		m.BinsObserved,
		m.RowsWritten,
		m.Conflicts,
		m.Skipped,
		m.Reconnects,
		m.Identities,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registerLatency(m.registry, "ingest", "handle", m.HandleLatency)
	return m
}

// Registry returns the registry holding the ingest counters.
func (m *Ingest) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Ingest) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// Collector Metrics
// =============================================================================

// Collect holds the counters of the collector daemon.
type Collect struct {
	registry *prometheus.Registry

	Ticks           prometheus.Counter
	Published       prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	Unavailable     prometheus.Counter
	MessageBytes    prometheus.Gauge

	CollectLatency *Latency
	PublishLatency *Latency
}

// NewCollect creates and registers the collector counters.
func NewCollect() *Collect {
	m := &Collect{
		registry: prometheus.NewRegistry(),

		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "ticks_total",
			Help:      "Total number of collection ticks",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped, by reason",
		}, []string{"reason"}),
		Unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "devices_unavailable_total",
			Help:      "Total number of device reads that found no counters",
		}),
		MessageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "message_bytes",
			Help:      "Length of the last encoded message",
		}),

		CollectLatency: NewLatency(),
		PublishLatency: NewLatency(),
	}

	m.registry.MustRegister(m.Ticks, m.Published, m.MessagesDropped, m.Unavailable, m.MessageBytes)
	registerLatency(m.registry, "collector", "read", m.CollectLatency)
	registerLatency(m.registry, "collector", "publish", m.PublishLatency)
	return m
}

// Registry returns the registry holding the collector counters.
func (m *Collect) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Collect) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// Helpers
// =============================================================================

var quantiles = []struct {
	label string
	q     float64
}{
	{"0.5", 0.50},
	{"0.9", 0.90},
	{"0.99", 0.99},
}

// registerLatency exposes the sketch quantiles of l as gauges.
func registerLatency(reg *prometheus.Registry, subsystem, op string, l *Latency) {
	for _, q := range quantiles {
		q := q
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        op + "_latency_milliseconds",
			Help:        "Latency quantile of " + op + " operations",
			ConstLabels: prometheus.Labels{"quantile": q.label},
		}, func() float64 { return l.Quantile(q.q) }))
	}
}

// Serve runs an HTTP server exposing h on /metrics until stop is closed.
func Serve(addr string, h http.Handler, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-stop
		srv.Close()
	}()

	log.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
