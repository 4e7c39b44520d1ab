// Package metrics provides Prometheus instrumentation for the reconcilers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeltasTotal counts position deltas by action and outcome (applied, skipped, failed).
	DeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_position_deltas_total",
		Help: "Position deltas detected by the reconciler",
	}, []string{"action", "outcome"})

	// ReconcileErrorsTotal counts per-key failures caught inside a tick.
	ReconcileErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_reconcile_errors_total",
		Help: "Errors caught while reconciling a single ticker or entry",
	}, []string{"component"})

	// WatchlistTransitionsTotal counts watchlist entries moved to a terminal status.
	WatchlistTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_watchlist_transitions_total",
		Help: "Watchlist status transitions",
	}, []string{"status"})

	// ExpirationsTotal counts expired options by outcome.
	ExpirationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_expirations_total",
		Help: "Expired options handled by the expiration reconciler",
	}, []string{"outcome"})

	// NotificationsTotal counts notification deliveries by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_notifications_total",
		Help: "Notifications by delivery result",
	}, []string{"result"})

	// TickDuration tracks how long each reconciler tick takes.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerkeeper_tick_duration_seconds",
		Help:    "Reconciler tick duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"component"})

	// OpenTrades tracks open ledger trades seen at the start of the last position tick.
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerkeeper_open_trades",
		Help: "Open trades in the ledger",
	})

	// QuoteCacheTotal counts quote cache lookups by result (hit, miss, error).
	QuoteCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_quote_cache_total",
		Help: "Quote cache lookups",
	}, []string{"result"})

	// HTTPRequestsTotal counts status server requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeeper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
)

// ObserveTick records the duration of a tick that began at start.
func ObserveTick(component string, start time.Time) {
	TickDuration.WithLabelValues(component).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
