// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string // PostgreSQL
	MySQLDSN    string
	RedisURL    string
	CacheTTL    time.Duration

	Workers                int
	ArchetypeGroups        int
	ArchetypeMaxIterations int
	PersonaCatalog         string // YAML path; empty uses the embedded catalog

	RefreshSchedule string // cron schedule; empty disables scheduled refresh
	RunTimeout      time.Duration
	RunRateLimit    float64 // manual runs per second
	RunBurst        int

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// Load reads configuration from environment variables, after loading a .env
// file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               p.level("LOG_LEVEL", slog.LevelInfo),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		MySQLDSN:               getEnv("MYSQL_DSN", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		CacheTTL:               p.duration("CACHE_TTL", 30*time.Second),
		Workers:                p.int("ANALYSIS_WORKERS", runtime.NumCPU()),
		ArchetypeGroups:        p.int("ARCHETYPE_GROUPS", 5),
		ArchetypeMaxIterations: p.int("ARCHETYPE_MAX_ITERATIONS", 100),
		PersonaCatalog:         getEnv("PERSONA_CATALOG", ""),
		RefreshSchedule:        getEnv("REFRESH_SCHEDULE", ""),
		RunTimeout:             p.duration("RUN_TIMEOUT", 2*time.Minute),
		RunRateLimit:           p.float("RUN_RATE_LIMIT", 0.2),
		RunBurst:               p.int("RUN_RATE_BURST", 2),
		BreakerMaxFailures:     uint32(p.int("BREAKER_MAX_FAILURES", 5)),
		BreakerTimeout:         p.duration("BREAKER_TIMEOUT", 30*time.Second),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the cron schedule.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("ANALYSIS_WORKERS must be positive, got %d", c.Workers))
	}
	if c.ArchetypeGroups < 1 {
		errs = append(errs, fmt.Errorf("ARCHETYPE_GROUPS must be positive, got %d", c.ArchetypeGroups))
	}
	if c.ArchetypeMaxIterations < 1 {
		errs = append(errs, fmt.Errorf("ARCHETYPE_MAX_ITERATIONS must be positive, got %d", c.ArchetypeMaxIterations))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RUN_TIMEOUT must be positive, got %s", c.RunTimeout))
	}
	if c.RunRateLimit <= 0 || c.RunBurst < 1 {
		errs = append(errs, fmt.Errorf("RUN_RATE_LIMIT and RUN_RATE_BURST must be positive"))
	}
	if c.DatabaseURL != "" && c.MySQLDSN != "" {
		errs = append(errs, fmt.Errorf("set only one of DATABASE_URL and MYSQL_DSN"))
	}
	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("REFRESH_SCHEDULE: %w", err))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parser collects conversion errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return l
}
