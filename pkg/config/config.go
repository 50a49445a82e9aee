// Package config provides environment-based configuration for the orchestrator,
// with an optional YAML file overlay for deployment-specific overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Authentication
	JWTSecret string
	// ServiceKey authenticates worker and pipeline callback routes.
	ServiceKey string

	// Server configuration
	APIHost string
	APIPort int

	ShutdownTimeout time.Duration

	Queue     QueueConfig
	Allocator AllocatorConfig
}

// QueueConfig holds job queue and liveness sweep configuration.
type QueueConfig struct {
	// HeartbeatTimeout is how stale a job heartbeat may be before the job
	// is force-killed.
	HeartbeatTimeout time.Duration
	// KilledCooldown is how long a killed job rests before being requeued,
	// to avoid racing an in-flight final status write.
	KilledCooldown time.Duration
	// PollInterval is how often an idle poller re-checks the queue.
	PollInterval time.Duration
}

// AllocatorConfig holds worker pool allocator configuration.
type AllocatorConfig struct {
	// HeartbeatTTL is how stale a worker heartbeat may be before the worker
	// is pruned from the claimable pool.
	HeartbeatTTL time.Duration
	// LeaseDuration bounds how long a claim may be held without renewal.
	LeaseDuration time.Duration
	// ClaimAttempts bounds retries when a claim races another claimant.
	ClaimAttempts int
	// ClaimRetryDelay is the fixed delay between claim attempts.
	ClaimRetryDelay time.Duration
	// WakeAttempts bounds retries of the worker wake call.
	WakeAttempts int
	// WakeTimeout is the per-attempt timeout of the wake call.
	WakeTimeout time.Duration
	// WakeRetryDelay is the fixed delay between wake attempts.
	WakeRetryDelay time.Duration
}

// Load reads configuration from environment variables, then applies the YAML
// overlay named by CONFIG_FILE if set.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/orchestrator?sslmode=disable"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		ServiceKey:      getEnv("SERVICE_KEY", ""),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Queue: QueueConfig{
			HeartbeatTimeout: getDurationEnv("JOB_HEARTBEAT_TIMEOUT", 10*time.Minute),
			KilledCooldown:   getDurationEnv("JOB_KILLED_COOLDOWN", 15*time.Second),
			PollInterval:     getDurationEnv("JOB_POLL_INTERVAL", 2*time.Second),
		},
		Allocator: AllocatorConfig{
			HeartbeatTTL:    getDurationEnv("WORKER_HEARTBEAT_TTL", 90*time.Second),
			LeaseDuration:   getDurationEnv("WORKER_LEASE_DURATION", 15*time.Minute),
			ClaimAttempts:   getIntEnv("WORKER_CLAIM_ATTEMPTS", 3),
			ClaimRetryDelay: getDurationEnv("WORKER_CLAIM_RETRY_DELAY", 500*time.Millisecond),
			WakeAttempts:    getIntEnv("WORKER_WAKE_ATTEMPTS", 3),
			WakeTimeout:     getDurationEnv("WORKER_WAKE_TIMEOUT", 5*time.Second),
			WakeRetryDelay:  getDurationEnv("WORKER_WAKE_RETRY_DELAY", 1*time.Second),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileOverlay mirrors Config with durations as strings, since YAML has no
// native duration type.
type fileOverlay struct {
	DatabaseDSN     string `yaml:"database_dsn"`
	JWTSecret       string `yaml:"jwt_secret"`
	ServiceKey      string `yaml:"service_key"`
	APIHost         string `yaml:"api_host"`
	APIPort         int    `yaml:"api_port"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	Queue struct {
		HeartbeatTimeout string `yaml:"heartbeat_timeout"`
		KilledCooldown   string `yaml:"killed_cooldown"`
		PollInterval     string `yaml:"poll_interval"`
	} `yaml:"queue"`

	Allocator struct {
		HeartbeatTTL    string `yaml:"heartbeat_ttl"`
		LeaseDuration   string `yaml:"lease_duration"`
		ClaimAttempts   int    `yaml:"claim_attempts"`
		ClaimRetryDelay string `yaml:"claim_retry_delay"`
		WakeAttempts    int    `yaml:"wake_attempts"`
		WakeTimeout     string `yaml:"wake_timeout"`
		WakeRetryDelay  string `yaml:"wake_retry_delay"`
	} `yaml:"allocator"`
}

// applyFile overlays values from a YAML config file. Zero values in the file
// leave the environment-derived value in place.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var o fileOverlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if o.DatabaseDSN != "" {
		c.DatabaseDSN = o.DatabaseDSN
	}
	if o.JWTSecret != "" {
		c.JWTSecret = o.JWTSecret
	}
	if o.ServiceKey != "" {
		c.ServiceKey = o.ServiceKey
	}
	if o.APIHost != "" {
		c.APIHost = o.APIHost
	}
	if o.APIPort != 0 {
		c.APIPort = o.APIPort
	}
	if o.Allocator.ClaimAttempts != 0 {
		c.Allocator.ClaimAttempts = o.Allocator.ClaimAttempts
	}
	if o.Allocator.WakeAttempts != 0 {
		c.Allocator.WakeAttempts = o.Allocator.WakeAttempts
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{o.ShutdownTimeout, &c.ShutdownTimeout},
		{o.Queue.HeartbeatTimeout, &c.Queue.HeartbeatTimeout},
		{o.Queue.KilledCooldown, &c.Queue.KilledCooldown},
		{o.Queue.PollInterval, &c.Queue.PollInterval},
		{o.Allocator.HeartbeatTTL, &c.Allocator.HeartbeatTTL},
		{o.Allocator.LeaseDuration, &c.Allocator.LeaseDuration},
		{o.Allocator.ClaimRetryDelay, &c.Allocator.ClaimRetryDelay},
		{o.Allocator.WakeTimeout, &c.Allocator.WakeTimeout},
		{o.Allocator.WakeRetryDelay, &c.Allocator.WakeRetryDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing duration %q in config file: %w", d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.ServiceKey == "" {
		return fmt.Errorf("SERVICE_KEY is required")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	cfg, _ := loadLenient()
	return cfg
}

func loadLenient() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/orchestrator?sslmode=disable"),
		JWTSecret:       getEnv("JWT_SECRET", "development-secret-key-min-32-chars"),
		ServiceKey:      getEnv("SERVICE_KEY", "development-service-key"),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Queue: QueueConfig{
			HeartbeatTimeout: getDurationEnv("JOB_HEARTBEAT_TIMEOUT", 10*time.Minute),
			KilledCooldown:   getDurationEnv("JOB_KILLED_COOLDOWN", 15*time.Second),
			PollInterval:     getDurationEnv("JOB_POLL_INTERVAL", 2*time.Second),
		},
		Allocator: AllocatorConfig{
			HeartbeatTTL:    getDurationEnv("WORKER_HEARTBEAT_TTL", 90*time.Second),
			LeaseDuration:   getDurationEnv("WORKER_LEASE_DURATION", 15*time.Minute),
			ClaimAttempts:   getIntEnv("WORKER_CLAIM_ATTEMPTS", 3),
			ClaimRetryDelay: getDurationEnv("WORKER_CLAIM_RETRY_DELAY", 500*time.Millisecond),
			WakeAttempts:    getIntEnv("WORKER_WAKE_ATTEMPTS", 3),
			WakeTimeout:     getDurationEnv("WORKER_WAKE_TIMEOUT", 5*time.Second),
			WakeRetryDelay:  getDurationEnv("WORKER_WAKE_RETRY_DELAY", 1*time.Second),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
