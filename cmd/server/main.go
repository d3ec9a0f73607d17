// Command server runs the day-ahead energy market API and its maintenance
// subcommands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Ft2801/progetto-PA/internal/auth"
	"github.com/Ft2801/progetto-PA/internal/calendar"
	"github.com/Ft2801/progetto-PA/internal/catalog"
	"github.com/Ft2801/progetto-PA/internal/config"
	"github.com/Ft2801/progetto-PA/internal/model"
	"github.com/Ft2801/progetto-PA/internal/seed"
	"github.com/Ft2801/progetto-PA/internal/store"
)

const (
	Version = "0.1.0"
	appName = "energy-market"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Day-ahead energy slot market",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	})
	cmd.AddCommand(seedCmd(), tokenCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML fixture into PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to seed")
			}
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer pool.Close()

			st := store.NewPostgresStore(pool, cfg.TxMaxAttempts)
			users, err := applySeed(ctx, st, cfg, file, logger)
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Printf("%d\t%s\t%s\n", u.ID, u.Role, u.Email)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Fixture file (YAML)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Mint a development bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("AUTH_JWT_SECRET is required")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			r, ok := model.ParseRole(role)
			if !ok {
				return fmt.Errorf("invalid role %q", role)
			}
			tok, err := auth.IssueToken(auth.Principal{ID: id, Role: r}, []byte(cfg.JWTSecret), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.RoleConsumer), "producer, consumer or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func migrate(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to migrate")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

// setup loads the configuration and installs the JSON logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore picks PostgreSQL (optionally behind Redis) when DATABASE_URL is
// set and the in-memory store otherwise. The returned cleanup closes every
// connection that was opened.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	var st store.Store = store.NewPostgresStore(pool, cfg.TxMaxAttempts)
	slog.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisCacheTTL)
	}
	return st, closeAll, nil
}

func applySeed(ctx context.Context, st store.Store, cfg *config.Config, file string, logger *slog.Logger) ([]model.User, error) {
	f, err := seed.LoadFile(file)
	if err != nil {
		return nil, err
	}
	cal := calendar.New(cfg.Location())
	clock := calendar.SystemClock{}
	cat := catalog.NewService(st, cal, clock, nil, logger)
	return seed.NewSeeder(st, cat, cal, clock, logger).Apply(ctx, f)
}
