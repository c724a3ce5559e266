package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access decisions by outcome and reason.",
		},
		[]string{"decision", "reason"},
	)

	tokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_tokens_issued_total",
		Help: "Ephemeral access tokens issued.",
	})

	emergencyActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_emergency_activations_total",
			Help: "Emergency override activation attempts by result.",
		},
		[]string{"result"},
	)

	auditAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_audit_append_errors_total",
		Help: "Audit entries that could not be persisted.",
	})

	unjustifiedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "access_emergency_unjustified_sessions",
		Help: "Expired emergency sessions still awaiting a justification.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the backing store answered the last readiness probe.",
	})
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			decisionsTotal, tokensIssuedTotal, emergencyActivationsTotal, auditAppendErrors,
			unjustifiedSessions, readyGauge,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision counts one access decision.
func RecordDecision(allowed bool, reason string) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	decisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordTokenIssued counts one issued token.
func RecordTokenIssued() { tokensIssuedTotal.Inc() }

// RecordEmergencyActivation counts an activation attempt; result is "ok", "rejected" or "unauthorized".
func RecordEmergencyActivation(result string) {
	emergencyActivationsTotal.WithLabelValues(result).Inc()
}

// RecordAuditAppendError counts an audit write failure.
func RecordAuditAppendError() { auditAppendErrors.Inc() }

// SetUnjustifiedSessions records the size of the latest unjustified-session listing.
func SetUnjustifiedSessions(n int) { unjustifiedSessions.Set(float64(n)) }

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so metric cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "subjects":
			parts[2] = ":subject"
			if len(parts) == 5 && (parts[3] == "grants" || (parts[3] == "tokens" && parts[4] != "current")) {
				parts[4] = ":id"
			}
		case "emergency":
			if len(parts) == 4 && parts[3] == "close" {
				parts[2] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
