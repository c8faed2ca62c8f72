package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read once at start-up. Orchestration tunables (backoff, leases,
// signal expiry) live here so they can be changed per deployment.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	Port        int    `env:"PORT" envDefault:"8080"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	JWTSecret     string `env:"JWT_SECRET"`

	// SeedPath points at the YAML file holding subscriptions and integrations.
	SeedPath string `env:"ORCHESTRATION_SEED" envDefault:"config/orchestration.yaml"`

	DispatchLanes        int           `env:"DISPATCH_LANES" envDefault:"8"`
	DispatchLaneBuffer   int           `env:"DISPATCH_LANE_BUFFER" envDefault:"64"`
	DispatchRecoverySpan time.Duration `env:"DISPATCH_RECOVERY_SPAN" envDefault:"72h"`

	ExecutorPollInterval time.Duration `env:"EXECUTOR_POLL_INTERVAL" envDefault:"2s"`
	ExecutorClaimTTL     time.Duration `env:"EXECUTOR_CLAIM_TTL" envDefault:"1m"`

	SignalExpiry        time.Duration `env:"SIGNAL_EXPIRY" envDefault:"168h"`
	SignalSweepInterval time.Duration `env:"SIGNAL_SWEEP_INTERVAL" envDefault:"15m"`
	SignalLockTTL       time.Duration `env:"SIGNAL_LOCK_TTL" envDefault:"10s"`

	Sync SyncConfig

	// CaptureKeys maps a capture source to the bcrypt hash of its API key.
	CaptureKeys map[string]string `env:"CAPTURE_KEYS" envSeparator:"," envKeyValSeparator:"="`
}

// SyncConfig controls the outbound CRM delivery worker.
type SyncConfig struct {
	PollInterval    time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL        time.Duration `env:"SYNC_LEASE_TTL" envDefault:"30s"`
	BatchSize       int           `env:"SYNC_BATCH_SIZE" envDefault:"20"`
	MaxAttempts     int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"5"`
	BaseBackoff     time.Duration `env:"SYNC_BASE_BACKOFF" envDefault:"30s"`
	MaxBackoff      time.Duration `env:"SYNC_MAX_BACKOFF" envDefault:"1h"`
	DeliveryTimeout time.Duration `env:"SYNC_DELIVERY_TIMEOUT" envDefault:"30s"`
}

// Load parses the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StorageDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.StorageDriver)
	}
	if c.DispatchLanes <= 0 {
		return fmt.Errorf("config: DISPATCH_LANES must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("config: SYNC_MAX_ATTEMPTS must be positive")
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("config: sync backoff must satisfy 0 < base <= max")
	}
	if c.SignalExpiry <= 0 {
		return fmt.Errorf("config: SIGNAL_EXPIRY must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
