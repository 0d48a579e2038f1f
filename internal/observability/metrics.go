// Package observability agrupa las métricas Prometheus del motor de subastas.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contiene todas las métricas. Un *Metrics nil es válido y no registra
// nada, así los servicios no necesitan comprobarlo.
type Metrics struct {
	registry *prometheus.Registry

	// --- Pujas ---
	BidsAccepted prometheus.Counter
	BidsRejected *prometheus.CounterVec
	BidDuration  prometheus.Histogram

	// --- Ciclo de vida ---
	Transitions   *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SweepErrors   prometheus.Counter

	// --- Fan-out ---
	Viewers        prometheus.Gauge
	Published      *prometheus.CounterVec
	Evictions      prometheus.Counter
	SessionsOpened prometheus.Counter
	SessionsFailed *prometheus.CounterVec
}

var latencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// NewMetrics registra las métricas en un registry propio. Así varios motores
// (p. ej. en tests) no chocan en el registry global.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BidsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "gavel_bids_accepted_total",
			Help: "Bids committed as the new leader",
		}),
		BidsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gavel_bids_rejected_total",
			Help: "Bids rejected, by conflict kind",
		}, []string{"reason"}),
		BidDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gavel_bid_submit_duration_seconds",
			Help:    "Time to validate and commit a bid, lock wait included",
			Buckets: latencyBuckets,
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gavel_auction_transitions_total",
			Help: "Lifecycle transitions applied by the sweeper",
		}, []string{"transition"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gavel_sweep_duration_seconds",
			Help:    "Duration of one sweeper tick",
			Buckets: latencyBuckets,
		}),
		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "gavel_sweep_errors_total",
			Help: "Per-auction failures during sweeper ticks",
		}),

		Viewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "gavel_viewers",
			Help: "Connected viewers across all auction topics",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gavel_events_published_total",
			Help: "Events delivered to topic members",
		}, []string{"type"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "gavel_member_evictions_total",
			Help: "Members removed after a failed delivery",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "gavel_sessions_opened_total",
			Help: "Sessions that completed the handshake",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gavel_sessions_failed_total",
			Help: "Sessions refused during the handshake",
		}, []string{"reason"}),
	}
}

// Handler expone las métricas en formato Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BidAccepted(seconds float64) {
	if m == nil {
		return
	}
	m.BidsAccepted.Inc()
	m.BidDuration.Observe(seconds)
}

func (m *Metrics) BidRejected(reason string, seconds float64) {
	if m == nil {
		return
	}
	m.BidsRejected.WithLabelValues(reason).Inc()
	m.BidDuration.Observe(seconds)
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) Sweep(seconds float64, errs int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
	m.SweepErrors.Add(float64(errs))
}

func (m *Metrics) ViewerJoined() {
	if m == nil {
		return
	}
	m.Viewers.Inc()
}

func (m *Metrics) ViewersLeft(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Viewers.Sub(float64(n))
}

func (m *Metrics) EventPublished(eventType string, delivered int) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(eventType).Add(float64(delivered))
}

func (m *Metrics) MemberEvicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
}

func (m *Metrics) SessionFailed(reason string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(reason).Inc()
}
