// Package metrics exposes delivery and proxy counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/relaykit/internal/mail"
)

const namespace = "relaykit"

// Attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Collector implements mail.Observer and proxy.Observer.
type Collector struct {
	registry *prometheus.Registry

	attempts   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	deliveries *prometheus.CounterVec
	proxied    *prometheus.CounterVec
	proxyTime  prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "attempts_total",
			Help:      "Provider send attempts by outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of provider send attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "deliveries_total",
			Help:      "Messages delivered or abandoned after every provider failed.",
		}, []string{"outcome"}),
		proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests seen by the forwarding middleware.",
		}, []string{"outcome"}),
		proxyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Time spent resolving and forwarding requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	c.registry.MustRegister(c.attempts, c.duration, c.deliveries, c.proxied, c.proxyTime)
	return c
}

// Registry returns the underlying registry, for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt implements mail.Observer.
func (c *Collector) ObserveAttempt(r mail.AttemptResult) {
	outcome := OutcomeFailure
	switch {
	case r.Skipped:
		outcome = OutcomeSkipped
	case r.Success:
		outcome = OutcomeSuccess
	}
	c.attempts.WithLabelValues(r.Provider, outcome).Inc()
	if !r.Skipped {
		c.duration.WithLabelValues(r.Provider).Observe(r.Duration.Seconds())
	}
}

// ObserveDelivery implements mail.Observer.
func (c *Collector) ObserveDelivery(r mail.Report) {
	outcome := OutcomeFailure
	if r.Delivered {
		outcome = OutcomeSuccess
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

// ObserveProxy implements proxy.Observer.
func (c *Collector) ObserveProxy(outcome string, elapsed time.Duration) {
	c.proxied.WithLabelValues(outcome).Inc()
	c.proxyTime.Observe(elapsed.Seconds())
}
