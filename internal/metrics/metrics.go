// Package metrics exposes Kestrel's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const namespace = "kestrel"

// Metrics holds the registry and every instrument recorded by the service.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	replays          prometheus.Counter
	asyncFailures    prometheus.Counter
	policiesLoaded   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry, including Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jit_decisions_total",
			Help:      "JIT funding decisions by outcome and decline reason.",
		}, []string{"outcome", "reason"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jit_decision_duration_seconds",
			Help:      "Time to produce a JIT funding decision, including lookups and persistence.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jit_decision_replays_total",
			Help:      "Decisions answered from the idempotency cache.",
		}),
		asyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jit_async_failures_total",
			Help:      "Asynchronous JIT requests that could not be decided.",
		}),
		policiesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies_loaded",
			Help:      "Enabled policy rules currently compiled.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.decisionDuration,
		m.replays,
		m.asyncFailures,
		m.policiesLoaded,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// ObserveDecision records one decision and its end-to-end latency.
func (m *Metrics) ObserveDecision(d domain.JITDecision, elapsed time.Duration) {
	outcome := "approved"
	if !d.Approved {
		outcome = "declined"
	}
	m.decisions.WithLabelValues(outcome, d.DeclineReason.String()).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
}

// ObserveReplay records a decision served from the idempotency cache.
func (m *Metrics) ObserveReplay() {
	m.replays.Inc()
}

// ObserveAsyncFailure records an asynchronous request that failed.
func (m *Metrics) ObserveAsyncFailure() {
	m.asyncFailures.Inc()
}

// SetPoliciesLoaded records the number of active policy rules.
func (m *Metrics) SetPoliciesLoaded(n int) {
	m.policiesLoaded.Set(float64(n))
}

// ObserveHTTP records one HTTP request. route is the router pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
