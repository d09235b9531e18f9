// Package metrics holds the service's Prometheus registry and collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	refreshCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_cycles_total",
			Help: "Source refresh cycles by outcome",
		},
		[]string{"source", "result"},
	)

	sourceSnapshots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_snapshots",
			Help: "Snapshots currently held per source cache",
		},
		[]string{"source"},
	)

	gatewayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Presence gateway dispatch events by type",
		},
		[]string{"event"},
	)
)

func init() {
	Registry.MustRegister(reqTotal, reqDuration, refreshCycles, sourceSnapshots, gatewayEvents)
}

// RefreshCycle records the outcome of one source refresh cycle;
// result is "ok" or "error".
func RefreshCycle(source, result string) {
	refreshCycles.WithLabelValues(source, result).Inc()
}

// SetSnapshots gauges the current snapshot count of a source cache.
func SetSnapshots(source string, n int) {
	sourceSnapshots.WithLabelValues(source).Set(float64(n))
}

// GatewayEvent counts one gateway dispatch event.
func GatewayEvent(event string) {
	gatewayEvents.WithLabelValues(event).Inc()
}

// Handler serves the registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware instruments HTTP requests with counters and latency
// histograms, labeled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		reqDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
