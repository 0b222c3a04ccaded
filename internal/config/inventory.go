package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"inventory-tracker/internal/inventory/hub"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultHTTPAddr        = ":8080"
	defaultMigrationsPath  = "migrations/inventory"
	defaultShutdownTimeout = 10 * time.Second

	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 5
	defaultDBConnMaxLifetime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second

	defaultCacheTTL           = 30 * time.Second
	defaultSubscriptionBuffer = 256
	defaultDrainTimeout       = 5 * time.Second
	defaultHeartbeat          = 15 * time.Second
	defaultIngestMaxAttempts  = 3
	defaultIngestRetryBackoff = 10 * time.Millisecond
	defaultCORSAllowedOrigins = "*"
)

type Inventory struct {
	StoreDriver       string
	DatabaseURL       string
	RabbitMQURL       string
	RedisAddr         string
	HTTPAddr          string
	MigrationsPath    string
	InstanceID        string
	ShutdownTimeout   time.Duration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBPingTimeout     time.Duration
	ReadHeaderTimeout time.Duration

	CacheTTL           time.Duration
	CORSAllowedOrigins []string

	SubscriptionBuffer int
	OverflowPolicy     hub.Policy
	DrainTimeout       time.Duration
	StreamHeartbeat    time.Duration

	IngestMaxAttempts  int
	IngestRetryBackoff time.Duration
}

// LoadInventory reads the inventory service configuration. RABBITMQ_URL and
// REDIS_ADDR are optional; leaving them empty disables the relay and the cache.
func LoadInventory() (Inventory, error) {
	cfg := Inventory{
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		HTTPAddr:           getEnv("HTTP_ADDR", defaultHTTPAddr),
		MigrationsPath:     getEnv("MIGRATIONS_PATH", defaultMigrationsPath),
		InstanceID:         getEnv("INSTANCE_ID", ""),
		ShutdownTimeout:    defaultShutdownTimeout,
		DBMaxOpenConns:     defaultDBMaxOpenConns,
		DBMaxIdleConns:     defaultDBMaxIdleConns,
		DBConnMaxLifetime:  defaultDBConnMaxLifetime,
		DBPingTimeout:      defaultDBPingTimeout,
		ReadHeaderTimeout:  defaultReadHeaderTimeout,
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)),
	}

	var err error
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", defaultCacheTTL); err != nil {
		return Inventory{}, err
	}
	if cfg.DrainTimeout, err = getEnvDuration("DRAIN_TIMEOUT", defaultDrainTimeout); err != nil {
		return Inventory{}, err
	}
	if cfg.StreamHeartbeat, err = getEnvDuration("STREAM_HEARTBEAT", defaultHeartbeat); err != nil {
		return Inventory{}, err
	}
	if cfg.IngestRetryBackoff, err = getEnvDuration("INGEST_RETRY_BACKOFF", defaultIngestRetryBackoff); err != nil {
		return Inventory{}, err
	}
	if cfg.SubscriptionBuffer, err = getEnvInt("SUBSCRIPTION_BUFFER", defaultSubscriptionBuffer); err != nil {
		return Inventory{}, err
	}
	if cfg.IngestMaxAttempts, err = getEnvInt("INGEST_MAX_ATTEMPTS", defaultIngestMaxAttempts); err != nil {
		return Inventory{}, err
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return Inventory{}, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return Inventory{}, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}

	if cfg.OverflowPolicy, err = hub.ParsePolicy(getEnv("OVERFLOW_POLICY", "")); err != nil {
		return Inventory{}, fmt.Errorf("OVERFLOW_POLICY: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return value, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration", key)
	}
	return value, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
