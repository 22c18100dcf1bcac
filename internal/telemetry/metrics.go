package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_enqueued_total", Help: "Total entries queued"})
	DeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_delivered_total", Help: "Entries delivered and archived"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_retries_total", Help: "Delivery attempts requeued with backoff"})
	TerminalCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_terminal_failures_total", Help: "Entries rejected terminally"})
	DeadCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_dead_total", Help: "Entries that exhausted their retry budget"})
	ReconcileCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_events_total", Help: "Push events applied to the local cache"})
	ReplayCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_replays_dropped_total", Help: "Push events dropped as stale replays"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_inflight", Help: "Entries currently in flight"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DeliveredCounter,
			RetryCounter,
			TerminalCounter,
			DeadCounter,
			ReconcileCounter,
			ReplayCounter,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
