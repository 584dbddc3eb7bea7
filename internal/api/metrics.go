package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server owns its own
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	mutations       *prometheus.CounterVec
	pulls           prometheus.Counter
	subscribers     prometheus.Gauge
	slowDisconnects prometheus.Counter
	rateLimited     *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally_sync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tally_sync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally_sync",
			Name:      "mutations_total",
			Help:      "Pushed mutations by outcome (applied, duplicate, stale).",
		}, []string{"status"}),
		pulls: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tally_sync",
			Name:      "pulls_total",
			Help:      "Full collection pulls served.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tally_sync",
			Name:      "subscribers",
			Help:      "Open realtime subscriptions.",
		}),
		slowDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tally_sync",
			Name:      "subscriber_slow_disconnects_total",
			Help:      "Subscribers dropped because they could not keep up.",
		}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally_sync",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by endpoint class.",
		}, []string{"class"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest observes one finished request.
func (m *Metrics) RecordRequest(method string, code int, dur time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(dur.Seconds())
}

// RecordMutation counts one pushed mutation by outcome.
func (m *Metrics) RecordMutation(status string) {
	m.mutations.WithLabelValues(status).Inc()
}

// RecordPull counts one collection pull.
func (m *Metrics) RecordPull() {
	m.pulls.Inc()
}

// RecordRateLimited counts one rejected request.
func (m *Metrics) RecordRateLimited(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}
