package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/processor"
	"github.com/vnmchuo/llm-proxy/internal/proxy"
	"github.com/vnmchuo/llm-proxy/internal/telemetry"
	"github.com/vnmchuo/llm-proxy/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-proxy", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	// 4. Load routes
	routes, err := config.LoadRoutes(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load routes: %v", err)
	}

	// 5. Connect PostgreSQL (credential source only)
	ctx := context.Background()
	var credDeps credential.Deps
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		slog.Info("postgres connected")
		credDeps.DB = pool
	}

	// 6. Connect Redis (credential source and rate limiting)
	procDeps := processor.Deps{DefaultTPM: cfg.DefaultRateLimitTPM}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		slog.Info("redis connected")
		credDeps.Redis = rdb
		procDeps.Redis = rdb
		procDeps.Limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}

	// 7. Build pipeline
	pipeline, err := proxy.Build(routes, proxy.BuildDeps{
		Credentials:  credDeps,
		Processors:   procDeps,
		StreamBuffer: cfg.StreamBuffer,
		Options: proxy.Options{
			KeepAlive: cfg.KeepAliveInterval,
			Tracer:    otel.GetTracerProvider().Tracer("llm-proxy"),
			Metrics:   metrics,
		},
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	handler := proxy.NewHandler(pipeline, routes)

	// 8. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-proxy"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// every other POST is matched against route path prefixes
	r.Post("/*", handler.ServeHTTP)

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// no WriteTimeout: streams stay open as long as the backend produces
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("llm proxy starting", "port", cfg.Port, "routes", len(routes.Routes), "backends", len(routes.Backends))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	if err := pipeline.Close(); err != nil {
		slog.Warn("failed to release credential sources", "error", err)
	}
	slog.Info("server stopped")
}
