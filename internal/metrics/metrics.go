package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	circuitState      *prometheus.GaugeVec
	targetHealthy     *prometheus.GaugeVec
	activeConnections *prometheus.GaugeVec
	panicsTotal       prometheus.Counter
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porta_requests_total",
			Help: "Total requests handled, by service, route, method and status.",
		}, []string{"service", "route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "porta_request_duration_seconds",
			Help:    "Request latency from receipt to response written.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porta_retries_total",
			Help: "Forwarding retry attempts, by upstream.",
		}, []string{"upstream"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "porta_circuit_state",
			Help: "Circuit state per target (0 closed, 1 open, 2 half-open).",
		}, []string{"upstream", "target"}),
		targetHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "porta_target_healthy",
			Help: "Target health flag per target (1 healthy, 0 unhealthy).",
		}, []string{"upstream", "target"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "porta_active_connections",
			Help: "In-flight forwarded requests per target.",
		}, []string{"upstream", "target"}),
		panicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "porta_panics_recovered_total",
			Help: "Panics recovered in request handling.",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.retriesTotal,
		m.circuitState,
		m.targetHealthy,
		m.activeConnections,
		m.panicsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(service, route, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(service, route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// IncRetry counts one retry attempt against an upstream.
func (m *Metrics) IncRetry(upstream string) {
	m.retriesTotal.WithLabelValues(upstream).Inc()
}

// SetCircuitState records a breaker state change.
// 0 closed, 1 open, 2 half-open.
func (m *Metrics) SetCircuitState(upstream, target string, state int) {
	m.circuitState.WithLabelValues(upstream, target).Set(float64(state))
}

// SetTargetHealthy records a health flag change.
func (m *Metrics) SetTargetHealthy(upstream, target string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.targetHealthy.WithLabelValues(upstream, target).Set(v)
}

// SetActiveConnections records the active-conn gauge for a target.
func (m *Metrics) SetActiveConnections(upstream, target string, n int) {
	m.activeConnections.WithLabelValues(upstream, target).Set(float64(n))
}

// IncPanic counts a recovered panic.
func (m *Metrics) IncPanic() {
	m.panicsTotal.Inc()
}

// DeleteTarget drops per-target series after a target or upstream is removed.
func (m *Metrics) DeleteTarget(upstream, target string) {
	labels := prometheus.Labels{"upstream": upstream, "target": target}
	m.circuitState.Delete(labels)
	m.targetHealthy.Delete(labels)
	m.activeConnections.Delete(labels)
}

// Handler returns the scrape handler for the admin surface.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
