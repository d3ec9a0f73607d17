package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Ft2801/progetto-PA/internal/analytics"
	"github.com/Ft2801/progetto-PA/internal/api"
	"github.com/Ft2801/progetto-PA/internal/booking"
	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/catalog"
	"github.com/Ft2801/progetto-PA/internal/events"
	"github.com/Ft2801/progetto-PA/internal/ledger"
)

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Event sinks ---
	wsHub := events.NewWSHub(cfg.CORSAllowedOrigins...)
	go wsHub.Run(ctx)
	sinks := events.Multi{wsHub}
	if cfg.NATSURL != "" {
		np, err := events.DialNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer np.Close()
		sinks = append(sinks, np)
		slog.Info("NATS events enabled", "prefix", cfg.NATSSubjectPrefix)
	}

	// --- Services ---
	cal := calendar.New(cfg.Location())
	clock := calendar.SystemClock{}
	l := ledger.New(clock)
	cat := catalog.NewService(st, cal, clock, sinks, logger)

	if cfg.SeedFile != "" && cfg.DatabaseURL == "" {
		users, err := applySeed(ctx, st, cfg, cfg.SeedFile, logger)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		slog.Info("in-memory store seeded", "file", cfg.SeedFile, "users", len(users))
	}

	srv := api.NewServer(api.Deps{
		Store:     st,
		Catalog:   cat,
		Engine:    booking.NewEngine(st, l, cal, clock, sinks, logger),
		Resolver:  booking.NewResolver(st, l, cal, clock, sinks, logger),
		Analytics: analytics.NewService(st, cal, clock),
		Hub:       wsHub,
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    logger,
		Timeout:   cfg.WriteTimeout,

		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("energy-market listening", "port", cfg.Port, "timezone", cfg.MarketTimezone)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down energy-market...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	logger.Info("energy-market stopped")
	return nil
}
