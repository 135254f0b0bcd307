package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Worker-tier metrics
var (
	BusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allura_bus_messages_total",
			Help: "Messages handled by bus workers, by exchange and outcome.",
		},
		[]string{"exchange", "status"},
	)

	BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allura_bus_published_total",
			Help: "Messages published to the bus, by exchange.",
		},
		[]string{"exchange"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allura_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by hook type and result.",
		},
		[]string{"type", "result"},
	)

	MFAAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allura_mfa_attempts_total",
			Help: "Multifactor verification attempts, by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		BusMessages, BusPublished, WebhookDeliveries, MFAAttempts,
	)
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "p":
		parts[2] = ":project"
		if len(parts) >= 4 {
			switch parts[3] {
			case "access":
			case "admin":
				if len(parts) == 5 && parts[4] != "install" {
					parts[4] = ":mount"
				}
			default:
				parts[3] = ":mount"
			}
		}
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks":
		parts[2] = ":id"
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

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
