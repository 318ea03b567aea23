package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds this process's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchkeeper",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by route and status.",
		},
		[]string{"route", "method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "watchkeeper",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route.",
			Buckets:   prometheus.ExponentialBuckets(0.002, 2, 10),
		},
		[]string{"route"},
	)

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchkeeper",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by reason code.",
		},
		[]string{"reason_code"},
	)

	actuatorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchkeeper",
			Subsystem: "actuator",
			Name:      "outcomes_total",
			Help:      "Actuator call outcomes by tool and status.",
		},
		[]string{"tool", "status"},
	)

	ingestGateBound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "watchkeeper",
			Subsystem: "ingestgate",
			Name:      "bound",
			Help:      "1 when the doorbell UDP socket is currently bound, else 0.",
		},
	)
)

func init() {
	Registry.MustRegister(httpRequests, httpDuration, policyDecisions, actuatorOutcomes, ingestGateBound, prometheus.NewGoCollector())
}

// ObservePolicyDecision increments the policy-decision counter. Called by
// the /execute handler for each action result rather than by the
// pipeline itself, keeping the pipeline free of an HTTP-layer dependency.
func ObservePolicyDecision(reasonCode string) {
	if reasonCode == "" {
		reasonCode = "ALLOW"
	}
	policyDecisions.WithLabelValues(reasonCode).Inc()
}

// ObserveActuatorOutcome increments the actuator-outcome counter.
func ObserveActuatorOutcome(tool, status string) {
	actuatorOutcomes.WithLabelValues(tool, status).Inc()
}

// SetIngestGateBound reports the ingest gate's current bind state.
func SetIngestGateBound(bound bool) {
	if bound {
		ingestGateBound.Set(1)
	} else {
		ingestGateBound.Set(0)
	}
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// instrument wraps next with request-count and duration observations
// keyed by the chi route pattern rather than the raw path, keeping
// label cardinality bounded.
func instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes through to the underlying writer so streaming handlers
// (the SSE endpoint) keep working behind instrument.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
