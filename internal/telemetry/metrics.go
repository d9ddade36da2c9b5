// Package telemetry exports router activity as Prometheus metrics and circuit events
// to an optional webhook.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
)

const namespace = "marketdata"

// Metrics holds the router collectors.
type Metrics struct {
	fetchTotal      *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	attemptTotal    *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	rateLimitWait   *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
	circuitTrips    *prometheus.CounterVec
	healthStatus    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Total number of router fetches by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Router fetch duration in seconds, including failover",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		attemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Total number of provider attempts by outcome",
			},
			[]string{"provider", "op", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_attempt_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "op"},
		),
		rateLimitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting for a rate limiter slot",
				Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		circuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of transitions into the open state",
			},
			[]string{"provider"},
		),
		healthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health_status",
				Help:      "Provider health (0=healthy, 1=degraded, 2=unhealthy)",
			},
			[]string{"provider"},
		),
	}

	reg.MustRegister(
		m.fetchTotal,
		m.fetchDuration,
		m.attemptTotal,
		m.attemptDuration,
		m.rateLimitWait,
		m.circuitState,
		m.circuitTrips,
		m.healthStatus,
	)
	return m
}

// ObserveFetch records a completed router fetch.
func (m *Metrics) ObserveFetch(op, outcome string, d time.Duration) {
	m.fetchTotal.WithLabelValues(op, outcome).Inc()
	m.fetchDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveAttempt records one provider attempt. Skipped attempts have zero duration
// and are only counted.
func (m *Metrics) ObserveAttempt(provider, op, outcome string, d time.Duration) {
	m.attemptTotal.WithLabelValues(provider, op, outcome).Inc()
	if d > 0 {
		m.attemptDuration.WithLabelValues(provider, op).Observe(d.Seconds())
	}
}

// ObserveRateLimitWait records how long a caller waited for a limiter slot.
func (m *Metrics) ObserveRateLimitWait(provider string, d time.Duration) {
	m.rateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}

// CircuitStateChanged is a circuitbreaker state change callback.
func (m *Metrics) CircuitStateChanged(provider string, _, to circuitbreaker.State) {
	m.circuitState.WithLabelValues(provider).Set(float64(to))
	if to == circuitbreaker.StateOpen {
		m.circuitTrips.WithLabelValues(provider).Inc()
	}
}

// HealthStatusChanged is a health monitor status change callback.
func (m *Metrics) HealthStatusChanged(provider string, _, to health.Status) {
	m.healthStatus.WithLabelValues(provider).Set(float64(to))
}

// InitProvider publishes the starting gauges for a provider so dashboards see it
// before its first transition.
func (m *Metrics) InitProvider(provider string) {
	m.circuitState.WithLabelValues(provider).Set(float64(circuitbreaker.StateClosed))
	m.healthStatus.WithLabelValues(provider).Set(float64(health.StatusHealthy))
}

// RemoveProvider drops the gauges of an unregistered provider.
func (m *Metrics) RemoveProvider(provider string) {
	m.circuitState.DeleteLabelValues(provider)
	m.healthStatus.DeleteLabelValues(provider)
}
