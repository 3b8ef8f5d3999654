package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/MoonCraze/trader-selection/internal/analysis"
	"github.com/MoonCraze/trader-selection/internal/api"
	"github.com/MoonCraze/trader-selection/internal/archetype"
	"github.com/MoonCraze/trader-selection/internal/config"
	"github.com/MoonCraze/trader-selection/internal/metrics"
	"github.com/MoonCraze/trader-selection/internal/persona"
	"github.com/MoonCraze/trader-selection/internal/reconcile"
	"github.com/MoonCraze/trader-selection/internal/runcache"
	"github.com/MoonCraze/trader-selection/internal/scoring"
	"github.com/MoonCraze/trader-selection/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize data source ---
	var src store.Source
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		src = store.NewPostgresSource(pool)
		slog.Info("connected to PostgreSQL")
	case cfg.MySQLDSN != "":
		my, err := store.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { my.Close() })
		src = my
		slog.Info("connected to MySQL")
	default:
		slog.Warn("no database configured, using empty in-memory source")
		src = store.NewMemorySource()
	}

	// Redis caches trader lookups and persists the latest snapshot.
	var snapshots runcache.SnapshotStore
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		src = store.NewCachedSource(src, rdb, cfg.CacheTTL)
		snapshots = runcache.NewRedisSnapshotStore(rdb, 0)
		slog.Info("Redis cache enabled")
	}

	src = store.NewBreakerSource(src, store.BreakerConfig{
		Name:        "trader-source",
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerTimeout,
	})

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Analysis engine ---
	catalog, err := persona.Load(cfg.PersonaCatalog)
	if err != nil {
		slog.Error("persona catalog", "err", err)
		os.Exit(1)
	}
	scorer, err := scoring.New(scoring.DefaultConfig(), catalog)
	if err != nil {
		slog.Error("scoring config", "err", err)
		os.Exit(1)
	}
	engine := analysis.NewEngine(analysis.Config{
		Workers: cfg.Workers,
		Archetype: archetype.Config{
			K:             cfg.ArchetypeGroups,
			MaxIterations: cfg.ArchetypeMaxIterations,
		},
	}, catalog, scorer, reconcile.New(reconcile.DefaultConfig()))
	slog.Info("persona catalog loaded", "version", catalog.Version(), "personas", catalog.Len())

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Run cache ---
	opts := []runcache.Option{
		runcache.WithRunTimeout(cfg.RunTimeout),
		runcache.OnPublish(wsHub.SnapshotPublished),
	}
	if snapshots != nil {
		opts = append(opts, runcache.WithStore(snapshots))
	}
	cache := runcache.New(catalog.Version(), opts...)
	if err := cache.Restore(ctx); err != nil {
		slog.Warn("snapshot restore failed", "err", err)
	}

	svc := api.NewService(src, engine, cache, rate.NewLimiter(rate.Limit(cfg.RunRateLimit), cfg.RunBurst))

	// --- Scheduled refresh ---
	sched := cron.New()
	if cfg.RefreshSchedule != "" {
		_, err := sched.AddFunc(cfg.RefreshSchedule, func() {
			res, err := svc.Refresh(ctx)
			if err != nil {
				slog.Error("scheduled analysis failed", "err", err)
				return
			}
			slog.Info("scheduled analysis done", "id", res.Snapshot.ID, "cached", res.Cached)
		})
		if err != nil {
			slog.Error("invalid REFRESH_SCHEDULE", "err", err)
			os.Exit(1)
		}
		sched.Start()
		slog.Info("scheduled refresh enabled", "schedule", cfg.RefreshSchedule)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", svc.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for analysis completion events. Registered outside
	// the timeout middleware so connections are not cut.
	r.Get("/api/v1/ws", wsHub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RunTimeout + 10*time.Second))
		r.Mount("/api/v1", svc.Routes())
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trader-selection listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trader-selection...")
	<-sched.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trader-selection stopped")
}
