// Package metrics defines the Prometheus metric collectors used across the
// sync and API services and exposes an HTTP handler for scraping.
//
// Every recording helper is safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	LockAcquisitions     *prometheus.CounterVec
	LockReleases         *prometheus.CounterVec
	SyncTotal            *prometheus.CounterVec
	SyncDuration         *prometheus.HistogramVec
	IndexWritesTotal     *prometheus.CounterVec
	EventsConsumedTotal  *prometheus.CounterVec
	EventsRequeuedTotal  prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and prometheus.NewRegistry() in
// tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquisitions_total",
				Help: "Lock acquisition attempts by outcome (acquired, busy, error).",
			},
			[]string{"outcome"},
		),
		LockReleases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_releases_total",
				Help: "Lock releases by outcome (released, not_held, error).",
			},
			[]string{"outcome"},
		),
		SyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_sync_total",
				Help: "Index synchronizations by action (upsert, delete) and outcome.",
			},
			[]string{"action", "outcome"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_sync_duration_seconds",
				Help:    "Time from lock acquisition to release for one synchronization.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"action"},
		),
		IndexWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_writes_total",
				Help: "Search index writes by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domain_events_consumed_total",
				Help: "Domain events handled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		EventsRequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "domain_events_requeued_total",
				Help: "Events re-published to the retry topic after exhausting in-process retries.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "document_cache_hits_total",
				Help: "Total number of document cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "document_cache_misses_total",
				Help: "Total number of document cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.LockAcquisitions,
		m.LockReleases,
		m.SyncTotal,
		m.SyncDuration,
		m.IndexWritesTotal,
		m.EventsConsumedTotal,
		m.EventsRequeuedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) LockAcquired(outcome string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockReleased(outcome string) {
	if m == nil {
		return
	}
	m.LockReleases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncObserved(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SyncTotal.WithLabelValues(action, outcome).Inc()
	m.SyncDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) IndexWrite(op, outcome string) {
	if m == nil {
		return
	}
	m.IndexWritesTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) EventConsumed(kind, outcome string) {
	if m == nil {
		return
	}
	m.EventsConsumedTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) EventRequeued() {
	if m == nil {
		return
	}
	m.EventsRequeuedTotal.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
