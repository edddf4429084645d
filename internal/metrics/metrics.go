// Package metrics provides Prometheus instrumentation for the market feed.
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
	// FeedMessages counts parsed upstream messages by feed kind.
	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_stream_messages_total",
		Help: "Upstream stream messages parsed, by feed kind",
	}, []string{"feed"})

	// FeedDropped counts malformed upstream messages that were discarded.
	FeedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_stream_dropped_total",
		Help: "Malformed upstream messages dropped, by feed kind",
	}, []string{"feed"})

	// StreamConnections tracks open upstream sockets by feed kind.
	StreamConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketfeed_stream_connections",
		Help: "Open upstream stream connections",
	}, []string{"feed"})

	// BufferFlushes counts throttled projection flushes by feed kind.
	BufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_buffer_flushes_total",
		Help: "Throttled projection buffer flushes",
	}, []string{"feed"})

	// BufferCoalesced observes how many pending items one flush applied.
	BufferCoalesced = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketfeed_buffer_flush_items",
		Help:    "Items applied per buffer flush",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"feed"})

	// MomentumComputations counts regression runs per tracker variant.
	MomentumComputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_momentum_computations_total",
		Help: "Momentum regressions computed, by tracker variant",
	}, []string{"variant"})

	// ActiveFolders tracks folders currently running, per tracker variant.
	ActiveFolders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketfeed_active_folders",
		Help: "Momentum folders currently active",
	}, []string{"variant"})

	// FolderLimitRejections counts folder/symbol additions rejected by limits.
	FolderLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_folder_limit_rejections_total",
		Help: "Folder or symbol additions rejected by configured limits",
	}, []string{"limit"})

	// WebSocketClients tracks connected downstream WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketfeed_http_request_duration_seconds",
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

		// Route pattern keeps symbol and folder IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
