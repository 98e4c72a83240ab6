package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unresolvedOperation labels requests that never reached operation dispatch.
const unresolvedOperation = "none"

// Upstream call outcomes used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeTransient = "transient"
	OutcomeSkipped   = "skipped"
)

// Metrics holds all Prometheus metrics for the proxy. All methods are safe
// to call on a nil receiver so components can run without metrics.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamRequests  *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	upstreamRetries   *prometheus.CounterVec
	failovers         *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	upstreamHealth    *prometheus.GaugeVec
	circuitBreaker    *prometheus.GaugeVec
	refreshTotal      *prometheus.CounterVec
	refreshDuration   prometheus.Histogram
	routingKeys       prometheus.Gauge
	routingGeneration prometheus.Gauge
	closureSessions   prometheus.Gauge
	closureConflicts  prometheus.Counter
	rateLimitHits     prometheus.Counter
	buildInfo         *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "txproxy"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inbound terminology requests",
		},
		[]string{"operation", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	m.upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream call attempts by outcome",
		},
		[]string{"upstream", "outcome"},
	)

	m.upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream call attempt duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream"},
	)

	m.upstreamRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retries against the same upstream after a transient failure",
		},
		[]string{"upstream"},
	)

	m.failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Times dispatch moved on to the next candidate upstream",
		},
		[]string{"operation"},
	)

	m.dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Requests answered with a proxy-generated OperationOutcome",
		},
		[]string{"kind"},
	)

	m.upstreamHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_health",
			Help: "Upstream health " +
				"(0=unknown, 1=healthy, 2=degraded, 3=unreachable)",
		},
		[]string{"upstream"},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Per-upstream circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"upstream"},
	)

	m.refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_refresh_total",
			Help:      "Capability discovery results per upstream",
		},
		[]string{"upstream", "result"},
	)

	m.refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registry_refresh_duration_seconds",
			Help:      "Duration of a full registry refresh",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	m.routingKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "routing_table_keys",
		Help:      "Number of keys in the live routing table",
	})

	m.routingGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "routing_table_generation",
		Help:      "Generation of the live routing table",
	})

	m.closureSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "closure_sessions",
		Help:      "Closure sessions currently bound",
	})

	m.closureConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "closure_conflicts_total",
		Help:      "Closure calls rejected because the bound upstream is unreachable",
	})

	m.rateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_hits_total",
		Help:      "Inbound requests rejected by the rate limiter",
	})

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the proxy",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamRequests,
		m.upstreamDuration,
		m.upstreamRetries,
		m.failovers,
		m.dispatchFailures,
		m.upstreamHealth,
		m.circuitBreaker,
		m.refreshTotal,
		m.refreshDuration,
		m.routingKeys,
		m.routingGeneration,
		m.closureSessions,
		m.closureConflicts,
		m.rateLimitHits,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a completed inbound request.
func (m *Metrics) RecordRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordUpstreamAttempt records one call to an upstream.
func (m *Metrics) RecordUpstreamAttempt(upstream, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(upstream, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.upstreamDuration.WithLabelValues(upstream).Observe(duration.Seconds())
	}
}

// RecordRetry records a retry against the same upstream.
func (m *Metrics) RecordRetry(upstream string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(upstream).Inc()
}

// RecordFailover records a move to the next candidate.
func (m *Metrics) RecordFailover(operation string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(operation).Inc()
}

// RecordDispatchFailure records a proxy-generated error response.
func (m *Metrics) RecordDispatchFailure(kind string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(kind).Inc()
}

// SetUpstreamHealth sets the health gauge for an upstream.
func (m *Metrics) SetUpstreamHealth(upstream string, value int) {
	if m == nil {
		return
	}
	m.upstreamHealth.WithLabelValues(upstream).Set(float64(value))
}

// SetCircuitBreakerState sets the breaker gauge for an upstream.
func (m *Metrics) SetCircuitBreakerState(upstream string, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(upstream).Set(float64(state))
}

// RecordRefresh records the capability discovery result for an upstream.
func (m *Metrics) RecordRefresh(upstream string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.refreshTotal.WithLabelValues(upstream, result).Inc()
}

// ObserveRefreshDuration records how long a full refresh took.
func (m *Metrics) ObserveRefreshDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
}

// SetRoutingTable records the size and generation of the live table.
func (m *Metrics) SetRoutingTable(keys int, generation uint64) {
	if m == nil {
		return
	}
	m.routingKeys.Set(float64(keys))
	m.routingGeneration.Set(float64(generation))
}

// SetClosureSessions sets the number of bound closure sessions.
func (m *Metrics) SetClosureSessions(n int) {
	if m == nil {
		return
	}
	m.closureSessions.Set(float64(n))
}

// RecordClosureConflict records a SessionConflict.
func (m *Metrics) RecordClosureConflict() {
	if m == nil {
		return
	}
	m.closureConflicts.Inc()
}

// RecordRateLimitHit records a throttled inbound request.
func (m *Metrics) RecordRateLimitHit() {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type operationKey struct{}

// operationHolder lets inner handlers report the operation label to the
// metrics middleware that wraps them.
type operationHolder struct {
	name string
}

// SetOperation records the operation label for the current request.
func SetOperation(ctx context.Context, operation string) {
	if h, ok := ctx.Value(operationKey{}).(*operationHolder); ok {
		h.name = operation
	}
}

// MetricsMiddleware records inbound request counts and latency by operation.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			holder := &operationHolder{name: unresolvedOperation}
			rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), operationKey{}, holder)))

			metrics.RecordRequest(holder.name, rw.status, time.Since(start))
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
