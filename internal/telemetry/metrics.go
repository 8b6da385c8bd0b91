// Package telemetry exposes pipeline counters and gauges via Prometheus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the pipeline records into. Components
// receive a handle at construction; there is no package-global registry.
type Metrics struct {
	registry *prometheus.Registry

	TradesIngested   *prometheus.CounterVec
	TradesDeduped    *prometheus.CounterVec
	BooksStored      *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	UnknownSymbols   prometheus.Counter
	SinkErrors       prometheus.Counter
	Reconnects       *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	ClientsConnected prometheus.Gauge
	BroadcastsSent   prometheus.Counter
	FailoverActive   prometheus.Gauge
}

// New creates the instrument set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.TradesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseintel_trades_ingested_total",
		Help: "Trades published to the stream sink, by market.",
	}, []string{"market"})
	m.TradesDeduped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseintel_trades_deduped_total",
		Help: "Trades dropped as duplicates inside the dedup window.",
	}, []string{"market"})
	m.BooksStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseintel_books_stored_total",
		Help: "Order book snapshots written to the sink, by market.",
	}, []string{"market"})
	m.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulseintel_frame_decode_errors_total",
		Help: "Upstream frames dropped due to schema mismatch.",
	})
	m.UnknownSymbols = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulseintel_frames_unknown_symbol_total",
		Help: "Frames referencing symbols outside the subscription group.",
	})
	m.SinkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulseintel_sink_errors_total",
		Help: "Transient cache sink failures surfaced to sessions.",
	})
	m.Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulseintel_upstream_reconnects_total",
		Help: "Upstream session reconnect attempts, by market.",
	}, []string{"market"})
	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulseintel_upstream_sessions_streaming",
		Help: "Upstream sessions currently in the streaming state.",
	})
	m.ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulseintel_dashboard_clients",
		Help: "Dashboard client sessions currently attached.",
	})
	m.BroadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulseintel_broadcasts_sent_total",
		Help: "Messages delivered to dashboard clients.",
	})
	m.FailoverActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulseintel_failover_active",
		Help: "1 while the upstream failover latch is set.",
	})

	reg.MustRegister(
		m.TradesIngested, m.TradesDeduped, m.BooksStored,
		m.DecodeErrors, m.UnknownSymbols, m.SinkErrors,
		m.Reconnects, m.SessionsActive, m.ClientsConnected,
		m.BroadcastsSent, m.FailoverActive,
	)
	return m
}

// Handler serves the /metrics exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
