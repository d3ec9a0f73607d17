// Package api provides the HTTP surface of the energy market: catalog
// browsing, producer publishing and analytics, and consumer reservations.
//
// All quantities and money use shopspring/decimal, never float64.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Ft2801/progetto-PA/internal/analytics"
	"github.com/Ft2801/progetto-PA/internal/auth"
	"github.com/Ft2801/progetto-PA/internal/booking"
	"github.com/Ft2801/progetto-PA/internal/catalog"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/metrics"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/store"
)

// Deps are the services the handlers call. Hub may be nil, which disables
// the websocket feed. AllowedOrigins lists the browser origins granted CORS
// access; "*" grants every origin.
type Deps struct {
	Store     store.Reader
	Catalog   *catalog.Service
	Engine    *booking.Engine
	Resolver  *booking.Resolver
	Analytics *analytics.Service
	Hub       *events.WSHub
	JWTSecret []byte
	Logger    *slog.Logger
	Timeout   time.Duration

	AllowedOrigins []string
}

// Server holds the HTTP handlers.
type Server struct {
	store     store.Reader
	catalog   *catalog.Service
	engine    *booking.Engine
	resolver  *booking.Resolver
	analytics *analytics.Service
	hub       *events.WSHub
	secret    []byte
	logger    *slog.Logger
	timeout   time.Duration
	origins   []string
}

// NewServer creates the HTTP layer.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		store:     d.Store,
		catalog:   d.Catalog,
		engine:    d.Engine,
		resolver:  d.Resolver,
		analytics: d.Analytics,
		hub:       d.Hub,
		secret:    d.JWTSecret,
		logger:    logger,
		timeout:   timeout,
		origins:   d.AllowedOrigins,
	}
}

// Router registers every route with its middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogging(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(s.origins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "energy-market"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			// Live slot feed; long-lived, so outside the request timeout.
			r.With(auth.Authenticate(s.secret)).Get("/ws", s.LiveFeed)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))
			r.Use(auth.Authenticate(s.secret))

			r.Get("/me", s.Me)
			r.Get("/producers", s.ListProducers)
			r.Get("/producers/{producerID}/slots", s.ListSlots)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(model.RoleProducer, model.RoleAdmin))
				r.Post("/producer/profile", s.UpsertProfile)
				r.Post("/producer/capacities", s.UpsertCapacities)
				r.Post("/producer/prices", s.UpdatePrices)
				r.Get("/producer/occupancy", s.Occupancy)
				r.Get("/producer/earnings", s.Earnings)
				r.Get("/producer/earnings/export", s.ExportEarnings)
				r.Post("/producer/proportional-accept", s.ProportionalAccept)
				r.Get("/stats/producer", s.ProducerStats)
			})

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(model.RoleConsumer, model.RoleAdmin))
				r.Post("/consumer/reserve", s.Reserve)
				r.Post("/consumer/modify", s.Modify)
				r.Get("/consumer/purchases", s.Purchases)
				r.Get("/consumer/carbon", s.Carbon)
				r.Get("/consumer/ledger", s.Ledger)
			})
		})
	})
	return r
}

// requestLogging logs each request's method, path, status code, and duration
// using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// cors grants the configured browser origins access. Requests from other
// origins get no Access-Control-Allow-Origin header.
func cors(allowed []string) func(http.Handler) http.Handler {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case set["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && set[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
