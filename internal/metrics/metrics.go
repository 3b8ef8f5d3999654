// Package metrics provides Prometheus instrumentation for the trader
// selection service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AnalysisRuns counts engine runs by outcome: ok, insufficient_data,
	// canceled or error.
	AnalysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_selection_analysis_runs_total",
		Help: "Total number of analysis runs by outcome",
	}, []string{"outcome"})

	// AnalysisDuration tracks wall time of successful runs.
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trader_selection_analysis_duration_seconds",
		Help:    "Analysis run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// TradersAnalyzed is the trader count of the current snapshot.
	TradersAnalyzed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_selection_traders_analyzed",
		Help: "Number of traders in the current analysis snapshot",
	})

	// TradersOmitted counts traders dropped from runs because of per-trader defects.
	TradersOmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_selection_traders_omitted_total",
		Help: "Traders omitted from analysis runs",
	})

	// PersonaTraders is the per-persona trader count of the current snapshot.
	PersonaTraders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_selection_persona_traders",
		Help: "Traders per persona in the current analysis snapshot",
	}, []string{"persona"})

	// RunCacheRequests counts run cache lookups by result: hit, joined or run.
	RunCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_selection_run_cache_requests_total",
		Help: "Run cache requests by result",
	}, []string{"result"})

	// SourceCacheRequests counts data source read-through cache lookups.
	SourceCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_selection_source_cache_requests_total",
		Help: "Data source cache requests by result",
	}, []string{"result"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_selection_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_selection_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_selection_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trader_selection_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps wallet addresses out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
