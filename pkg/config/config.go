package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel string

	// DatabaseURL selects the session store: postgres://... for
	// Postgres, sqlite://path for embedded SQLite, empty for in-memory.
	DatabaseURL string

	// RedisAddr enables the Redis event publisher and status cache
	// when non-empty.
	RedisAddr      string
	RedisPrefix    string
	StatusCacheTTL time.Duration

	// StorageURL selects the artifact backend (file://, s3://, gs://).
	StorageURL string

	// ProfilesDir holds the profile_<code>.yaml pipeline definitions.
	ProfilesDir string

	WorkerID      string
	LeaseDuration time.Duration

	ReconcilerInterval time.Duration
	RunningStaleAfter  time.Duration

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:           envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPrefix:        envOr("REDIS_PREFIX", "atelier"),
		StatusCacheTTL:     envSeconds("STATUS_CACHE_TTL_SECONDS", 5*time.Second),
		StorageURL:         envOr("ARTIFACT_STORAGE_URL", "file://data/blobs"),
		ProfilesDir:        envOr("PROFILES_DIR", "configs"),
		WorkerID:           os.Getenv("WORKER_ID"),
		LeaseDuration:      envSeconds("LEASE_DURATION_SECONDS", 5*time.Minute),
		ReconcilerInterval: envSeconds("RECONCILER_INTERVAL_SECONDS", time.Minute),
		RunningStaleAfter:  envSeconds("RUNNING_STALE_AFTER_SECONDS", 30*time.Minute),
		OTLPEndpoint:       envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:   os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
