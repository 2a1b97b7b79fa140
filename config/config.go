package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Routes file (backends, processors, routes)
	ConfigPath string // default: config/routes.yaml

	// Optional shared stores for credential sources and rate limiting
	PostgresDSN string
	RedisAddr   string

	// Logging
	LogLevel string // debug, info, warn, error

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Streaming
	StreamBuffer      int           // chunks buffered between backend reader and client writer, default: 1000
	KeepAliveInterval time.Duration // default: 15s

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		ConfigPath:           getEnv("CONFIG_PATH", "config/routes.yaml"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	buf, err := strconv.Atoi(getEnv("STREAM_BUFFER", "1000"))
	if err != nil {
		return nil, fmt.Errorf("invalid STREAM_BUFFER: %w", err)
	}
	if buf < 1 {
		return nil, fmt.Errorf("STREAM_BUFFER must be positive, got %d", buf)
	}
	cfg.StreamBuffer = buf

	keepAlive, err := time.ParseDuration(getEnv("KEEPALIVE_INTERVAL", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid KEEPALIVE_INTERVAL: %w", err)
	}
	cfg.KeepAliveInterval = keepAlive

	// Rate Limiting Default
	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
