// Package metrics provides Prometheus instrumentation for the energy market.
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
	// ReservationsTotal counts engine operations by kind and outcome
	// (ok, or the rejection class).
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energymarket_reservations_total",
		Help: "Reservation operations by kind and outcome",
	}, []string{"op", "outcome"})

	// ReservationLatency tracks engine operation latency.
	ReservationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energymarket_reservation_latency_seconds",
		Help:    "Reservation engine latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ReservedKwh tracks cumulative kWh booked per producer.
	ReservedKwh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energymarket_reserved_kwh_total",
		Help: "Cumulative kWh reserved",
	}, []string{"producer_id"})

	// CreditMoved tracks the absolute credit moved through the ledger by reason.
	CreditMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energymarket_credit_moved_total",
		Help: "Absolute credit moved through the ledger",
	}, []string{"reason"})

	// ProportionalAdjustments counts overbooking resolutions that scaled a slot.
	ProportionalAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energymarket_proportional_adjustments_total",
		Help: "Slots scaled down by proportional acceptance",
	})

	// TxRetries counts transactions re-run after a serialization or deadlock failure.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energymarket_tx_retries_total",
		Help: "Store transactions retried after a conflict",
	})

	// CacheLookups counts producer-profile cache lookups by result (hit, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energymarket_cache_lookups_total",
		Help: "Producer profile cache lookups",
	}, []string{"result"})

	// EventsPublished counts domain events by sink and result.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energymarket_events_published_total",
		Help: "Domain events handed to a sink",
	}, []string{"sink", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energymarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energymarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energymarket_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
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

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
