package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	pushed       prometheus.Counter
	pushFailures prometheus.Counter
	merges       *prometheus.CounterVec
	queueLength  prometheus.Gauge
	online       prometheus.Gauge
	subState     *prometheus.GaugeVec
	reconnects   *prometheus.CounterVec
}

// newMetrics builds the collectors. A nil registerer leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		pushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tally", Subsystem: "sync", Name: "mutations_pushed_total",
			Help: "Queued mutations confirmed by the remote store.",
		}),
		pushFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tally", Subsystem: "sync", Name: "push_failures_total",
			Help: "Drains that stopped on a failed push.",
		}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally", Subsystem: "sync", Name: "merges_total",
			Help: "Remote records merged into the local store, by outcome.",
		}, []string{"collection", "outcome"}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tally", Subsystem: "sync", Name: "queue_length",
			Help: "Mutations waiting for delivery after the last drain.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tally", Subsystem: "sync", Name: "online",
			Help: "1 when sync is enabled and the remote store is reachable.",
		}),
		subState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tally", Subsystem: "sync", Name: "subscription_state",
			Help: "Subscription state per collection (0 unsubscribed, 1 subscribing, 2 active, 3 stalled).",
		}, []string{"collection"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally", Subsystem: "sync", Name: "subscription_stalls_total",
			Help: "Subscriptions that dropped and were retried.",
		}, []string{"collection"}),
	}
}
