// Package metrics exposes proxee's Prometheus instrumentation.
//
// All recording methods are safe to call on a nil *Collector, which records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxee"

// Collector owns every proxee metric and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	accepted      prometheus.Counter
	acceptErrors  prometheus.Counter
	closed        prometheus.Counter
	dispatched    prometheus.Counter
	panics        prometheus.Counter
	activeWorkers prometheus.Gauge
	watched       prometheus.Gauge

	relays         *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	resolveSeconds prometheus.Histogram
}

// New creates a Collector and registers its metrics with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Failed accepts on the listening socket.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Client connections removed after their peer closed.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Workers started for readable clients.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Workers that panicked and were recovered.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently relaying.",
		}),
		watched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_connections",
			Help:      "Client connections in the watch set.",
		}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Completed relays by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),
		resolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Hostname resolution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8), // 0.5ms to ~8s
		}),
	}

	registry.MustRegister(
		c.accepted,
		c.acceptErrors,
		c.closed,
		c.dispatched,
		c.panics,
		c.activeWorkers,
		c.watched,
		c.relays,
		c.bytes,
		c.resolveSeconds,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) ConnAccepted() {
	if c == nil {
		return
	}
	c.accepted.Inc()
	c.watched.Inc()
}

func (c *Collector) AcceptFailed() {
	if c == nil {
		return
	}
	c.acceptErrors.Inc()
}

func (c *Collector) ConnClosed() {
	if c == nil {
		return
	}
	c.closed.Inc()
	c.watched.Dec()
}

// WorkerStarted and WorkerDone bracket one worker.
func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.dispatched.Inc()
	c.activeWorkers.Inc()
}

func (c *Collector) WorkerDone() {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
}

func (c *Collector) WorkerPanicked() {
	if c == nil {
		return
	}
	c.panics.Inc()
}

// RecordRelay records one finished relay. resolve is skipped when zero, as
// for requests that never reached resolution.
func (c *Collector) RecordRelay(outcome string, up, down int64, resolve time.Duration) {
	if c == nil {
		return
	}
	c.relays.WithLabelValues(outcome).Inc()
	c.bytes.WithLabelValues("up").Add(float64(up))
	c.bytes.WithLabelValues("down").Add(float64(down))
	if resolve > 0 {
		c.resolveSeconds.Observe(resolve.Seconds())
	}
}
