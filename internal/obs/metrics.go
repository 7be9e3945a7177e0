package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Delegation domain metrics.
var (
	delegationsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delegations_issued_total",
		Help: "Delegation tokens issued.",
	})

	delegationsDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delegations_denied_total",
			Help: "Delegation token requests denied, by reason.",
		},
		[]string{"reason"},
	)

	gateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Authorization gate decisions for bot calls, by outcome.",
		},
		[]string{"outcome"},
	)

	draftsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drafts_swept_total",
		Help: "Expired drafts removed by the periodic sweep.",
	})

	delegationEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delegation_enabled",
		Help: "Kill switch state: 1 when delegation is enabled.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		delegationsIssuedTotal, delegationsDeniedTotal,
		gateDecisionsTotal, draftsSweptTotal, delegationEnabled,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DelegationIssued increments the issued-token counter.
func DelegationIssued() { delegationsIssuedTotal.Inc() }

// DelegationDenied increments the denial counter for the given reason.
func DelegationDenied(reason string) { delegationsDeniedTotal.WithLabelValues(reason).Inc() }

// GateDecision records a per-request gate outcome ("allowed" or a denial reason).
func GateDecision(outcome string) { gateDecisionsTotal.WithLabelValues(outcome).Inc() }

// DraftSwept increments the expiry-sweep counter.
func DraftSwept() { draftsSweptTotal.Inc() }

// SetDelegationEnabled mirrors the kill switch state into a gauge.
func SetDelegationEnabled(enabled bool) {
	if enabled {
		delegationEnabled.Set(1)
		return
	}
	delegationEnabled.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
