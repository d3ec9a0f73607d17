package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the market server.
type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL       string        `yaml:"database_url"`
	TxMaxAttempts     int           `yaml:"tx_max_attempts"`
	RedisURL          string        `yaml:"redis_url"`
	RedisCacheTTL     time.Duration `yaml:"redis_cache_ttl"`
	NATSURL           string        `yaml:"nats_url"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix"`

	JWTSecret          string   `yaml:"auth_jwt_secret"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	MarketTimezone     string   `yaml:"market_timezone"`
	SeedFile           string   `yaml:"seed_file"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	location *time.Location
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:              8080,
		LogLevel:          "info",
		TxMaxAttempts:     5,
		RedisCacheTTL:     5 * time.Minute,
		NATSSubjectPrefix: "energy",
		MarketTimezone:    "UTC",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load applies defaults, then the YAML file named by CONFIG_FILE, then
// environment variables, and validates the result. It returns an error for
// any invalid value.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
		}
	}

	var err error
	if cfg.Port, err = getInt("PORT", cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	cfg.LogLevel = getStr("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getStr("DATABASE_URL", cfg.DatabaseURL)
	if cfg.TxMaxAttempts, err = getInt("TX_MAX_ATTEMPTS", cfg.TxMaxAttempts); err != nil {
		return nil, fmt.Errorf("invalid TX_MAX_ATTEMPTS: %w", err)
	}
	cfg.RedisURL = getStr("REDIS_URL", cfg.RedisURL)
	if cfg.RedisCacheTTL, err = getDuration("REDIS_CACHE_TTL", cfg.RedisCacheTTL); err != nil {
		return nil, fmt.Errorf("invalid REDIS_CACHE_TTL: %w", err)
	}
	cfg.NATSURL = getStr("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getStr("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.JWTSecret = getStr("AUTH_JWT_SECRET", cfg.JWTSecret)
	cfg.CORSAllowedOrigins = getList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.MarketTimezone = getStr("MARKET_TIMEZONE", cfg.MarketTimezone)
	cfg.SeedFile = getStr("SEED_FILE", cfg.SeedFile)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"READ_TIMEOUT", &cfg.ReadTimeout},
		{"WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, *d.dst); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d out of range", c.Port)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("invalid TX_MAX_ATTEMPTS: %d, must be >= 1", c.TxMaxAttempts)
	}
	if c.NATSSubjectPrefix == "" {
		return fmt.Errorf("invalid NATS_SUBJECT_PREFIX: empty")
	}
	loc, err := time.LoadLocation(c.MarketTimezone)
	if err != nil {
		return fmt.Errorf("invalid MARKET_TIMEZONE: %w", err)
	}
	c.location = loc
	for name, d := range map[string]time.Duration{
		"REDIS_CACHE_TTL":  c.RedisCacheTTL,
		"READ_TIMEOUT":     c.ReadTimeout,
		"WRITE_TIMEOUT":    c.WriteTimeout,
		"IDLE_TIMEOUT":     c.IdleTimeout,
		"SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %v, must be positive", name, d)
		}
	}
	return nil
}

// Location is the market time zone. Only valid on a loaded config.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

// getList splits a comma-separated variable, dropping blank entries.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
