// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	// Store settings. Store is "postgres" or "sqlite"; when unset it is
	// postgres if DATABASE_URL is set and sqlite otherwise.
	Store       string
	DatabaseURL string // Pooled Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	SQLitePath  string
	DBMaxConns  int // Postgres pool cap; 0 keeps the driver default.

	// Worker settings.
	WorkerEnabled     bool
	WorkerID          string
	WorkerInterval    time.Duration
	WorkerBatchSize   int
	WorkerConcurrency int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	StepMaxAttempts   int
	MaxSteps          int
	WorkerStatusTTL   time.Duration // Redis worker-status registry entry lifetime.

	// Streaming settings.
	StreamKeepalive    time.Duration
	StreamPollInterval time.Duration // Used when no notification source is available.

	// Idempotency-Key replay records.
	IdempotencyCompletedTTL    time.Duration
	IdempotencyAbandonedTTL    time.Duration // In-progress keys left by crashed requests.
	IdempotencyCleanupInterval time.Duration

	// Redis settings. Empty disables the distributed limiter and registry.
	RedisURL string

	// Rate limiting. Without Redis an in-memory token bucket is used.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitWindow  time.Duration // Redis sliding window; the limit is RPS*window.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel              string
	ShutdownHTTPTimeout   time.Duration
	ShutdownWorkerTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently defaulted.
func Load() (Config, error) {
	var errs []error
	intVar := func(key string, d int) int {
		v, err := envInt(key, d)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatVar := func(key string, d float64) float64 {
		v, err := envFloat(key, d)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVar := func(key string, d bool) bool {
		v, err := envBool(key, d)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVar := func(key string, d time.Duration) time.Duration {
		v, err := envDuration(key, d)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                       intVar("KIROKU_PORT", 8080),
		ReadTimeout:                durVar("KIROKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:               durVar("KIROKU_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:        int64(intVar("KIROKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		CORSAllowedOrigins:         envList("KIROKU_CORS_ALLOWED_ORIGINS"),
		Store:                      strings.ToLower(envStr("KIROKU_STORE", "")),
		DatabaseURL:                envStr("DATABASE_URL", ""),
		NotifyURL:                  envStr("NOTIFY_URL", ""),
		SQLitePath:                 envStr("KIROKU_SQLITE_PATH", "kiroku.db"),
		DBMaxConns:                 intVar("KIROKU_DB_MAX_CONNS", 0),
		WorkerEnabled:              boolVar("KIROKU_WORKER_ENABLED", true),
		WorkerID:                   envStr("KIROKU_WORKER_ID", ""),
		WorkerInterval:             durVar("WORKER_CHECK_INTERVAL", 5*time.Second),
		WorkerBatchSize:            intVar("WORKER_BATCH_SIZE", 10),
		WorkerConcurrency:          intVar("KIROKU_WORKER_CONCURRENCY", 1),
		LeaseDuration:              durVar("KIROKU_LEASE_DURATION", 60*time.Second),
		HeartbeatInterval:          durVar("KIROKU_HEARTBEAT_INTERVAL", 10*time.Second),
		StepMaxAttempts:            intVar("KIROKU_STEP_MAX_ATTEMPTS", 3),
		MaxSteps:                   intVar("KIROKU_MAX_STEPS", 50),
		WorkerStatusTTL:            durVar("KIROKU_WORKER_STATUS_TTL", 30*time.Second),
		StreamKeepalive:            durVar("KIROKU_STREAM_KEEPALIVE", 15*time.Second),
		StreamPollInterval:         durVar("KIROKU_STREAM_POLL_INTERVAL", time.Second),
		IdempotencyCompletedTTL:    durVar("KIROKU_IDEMPOTENCY_COMPLETED_TTL", 24*time.Hour),
		IdempotencyAbandonedTTL:    durVar("KIROKU_IDEMPOTENCY_ABANDONED_TTL", time.Hour),
		IdempotencyCleanupInterval: durVar("KIROKU_IDEMPOTENCY_CLEANUP_INTERVAL", 10*time.Minute),
		RedisURL:                   envStr("REDIS_URL", ""),
		RateLimitEnabled:           boolVar("KIROKU_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:               floatVar("KIROKU_RATE_LIMIT_RPS", 100),
		RateLimitBurst:             intVar("KIROKU_RATE_LIMIT_BURST", 200),
		RateLimitWindow:            durVar("KIROKU_RATE_LIMIT_WINDOW", time.Second),
		OTELEndpoint:               envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:               boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:                envStr("OTEL_SERVICE_NAME", "kiroku"),
		LogLevel:                   envStr("KIROKU_LOG_LEVEL", "info"),
		ShutdownHTTPTimeout:        durVar("KIROKU_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
		ShutdownWorkerTimeout:      durVar("KIROKU_SHUTDOWN_WORKER_TIMEOUT", 30*time.Second),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if cfg.Store == "" {
		cfg.Store = StoreSQLite
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("config: DATABASE_URL is required when KIROKU_STORE=postgres"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("config: KIROKU_SQLITE_PATH is required when KIROKU_STORE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: KIROKU_STORE must be %q or %q, got %q", StorePostgres, StoreSQLite, c.Store))
	}
	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_DB_MAX_CONNS must not be negative"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: KIROKU_PORT must be between 1 and 65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.WorkerInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: WORKER_CHECK_INTERVAL must be positive"))
	}
	if c.WorkerBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("config: WORKER_BATCH_SIZE must be positive"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_WORKER_CONCURRENCY must be positive"))
	}
	if c.StepMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_STEP_MAX_ATTEMPTS must be positive"))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_MAX_STEPS must be positive"))
	}
	if c.LeaseDuration <= 0 || c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_LEASE_DURATION and KIROKU_HEARTBEAT_INTERVAL must be positive"))
	} else if c.HeartbeatInterval >= c.LeaseDuration {
		errs = append(errs, fmt.Errorf("config: KIROKU_HEARTBEAT_INTERVAL (%s) must be shorter than KIROKU_LEASE_DURATION (%s)", c.HeartbeatInterval, c.LeaseDuration))
	}
	if c.IdempotencyCompletedTTL <= 0 || c.IdempotencyAbandonedTTL <= 0 || c.IdempotencyCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_IDEMPOTENCY_* durations must be positive"))
	}
	if c.StreamKeepalive <= 0 {
		errs = append(errs, fmt.Errorf("config: KIROKU_STREAM_KEEPALIVE must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("config: KIROKU_RATE_LIMIT_RPS and KIROKU_RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
