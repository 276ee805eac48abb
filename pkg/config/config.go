// Package config loads budgetd server configuration and tenant limit seed files.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Storage backends accepted by StorageConfig.Backend
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Config is the complete budgetd configuration
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Firestore FirestoreConfig
	Governor  GovernorConfig
}

type ServerConfig struct {
	Addr              string        `envconfig:"BUDGET_HTTP_ADDR" default:":8080"`
	TenantHeader      string        `envconfig:"BUDGET_TENANT_HEADER" default:"X-Tenant-ID"`
	ReadHeaderTimeout time.Duration `envconfig:"BUDGET_READ_HEADER_TIMEOUT" default:"5s"`
	ShutdownTimeout   time.Duration `envconfig:"BUDGET_SHUTDOWN_TIMEOUT" default:"15s"`
	MaxRetries        int           `envconfig:"BUDGET_API_MAX_RETRIES" default:"3"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

type StorageConfig struct {
	Backend string `envconfig:"BUDGET_STORAGE" default:"memory"`

	// CircuitBreaker wraps remote backends with the governor's circuit breaker
	CircuitBreaker         bool          `envconfig:"BUDGET_CIRCUIT_BREAKER" default:"true"`
	CircuitBreakerFailures int           `envconfig:"BUDGET_CIRCUIT_BREAKER_FAILURES" default:"5"`
	CircuitBreakerReset    time.Duration `envconfig:"BUDGET_CIRCUIT_BREAKER_RESET" default:"30s"`

	// UseStorageClock takes day boundaries from the backend's clock instead of the local one
	UseStorageClock bool `envconfig:"BUDGET_STORAGE_CLOCK" default:"true"`
}

type RedisConfig struct {
	Addr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password  string        `envconfig:"REDIS_PASSWORD"`
	DB        int           `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"gobudget:"`
	UsageTTL  time.Duration `envconfig:"REDIS_USAGE_TTL" default:"192h"`
}

type PostgresConfig struct {
	DSN             string        `envconfig:"POSTGRES_DSN"`
	MaxConns        int32         `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
	AutoMigrate     bool          `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`
	CleanupInterval time.Duration `envconfig:"POSTGRES_CLEANUP_INTERVAL" default:"1h"`
	RecordTTL       time.Duration `envconfig:"POSTGRES_RECORD_TTL" default:"2160h"`
}

type FirestoreConfig struct {
	ProjectID string `envconfig:"FIRESTORE_PROJECT_ID"`
}

type GovernorConfig struct {
	RolloverSchedule     string `envconfig:"BUDGET_ROLLOVER_SCHEDULE" default:"@every 1m"`
	EnforceHourlyCallCap bool   `envconfig:"BUDGET_ENFORCE_HOURLY_CAP" default:"false"`

	// SeedFile is an optional YAML file of default and per-tenant limits, reloaded on change
	SeedFile string `envconfig:"BUDGET_SEED_FILE"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("BUDGET_HTTP_ADDR must not be empty"))
	}
	if c.Server.TenantHeader == "" {
		errs = append(errs, errors.New("BUDGET_TENANT_HEADER must not be empty"))
	}
	if c.Storage.CircuitBreaker && c.Storage.CircuitBreakerFailures <= 0 {
		errs = append(errs, errors.New("BUDGET_CIRCUIT_BREAKER_FAILURES must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
