// Package metrics exports engine outcomes as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements simpleauth.Observer.
type Collector struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simpleauth_attempts_total",
			Help: "Authentication operations by operation, provider and outcome code.",
		}, []string{"op", "provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simpleauth_attempt_duration_seconds",
			Help:    "Latency of authentication operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(c.attempts, c.duration)

	return c
}

// Observe records one outcome. Successful operations are labelled "ok",
// failures by their error code.
func (c *Collector) Observe(o simpleauth.Outcome) {
	outcome := "ok"
	if o.Code != "" {
		outcome = string(o.Code)
	}
	c.attempts.WithLabelValues(string(o.Op), o.ProviderID, outcome).Inc()
	c.duration.WithLabelValues(string(o.Op)).Observe(o.Duration.Seconds())
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
