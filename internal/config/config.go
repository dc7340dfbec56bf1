// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Environment constants. The environment name is embedded in every
// counter key, so the set is closed and validated at startup.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var knownEnvironments = []string{EnvDevelopment, EnvStaging, EnvProduction}

// Config holds all application configuration.
type Config struct {
	App     AppConfig
	Server  ServerConfig
	Redis   RedisConfig
	Log     LogConfig
	Limiter LimiterConfig
	Breaker BreakerConfig
	Admin   AdminConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// LimiterConfig holds rate limiting enforcement configuration.
type LimiterConfig struct {
	// Enabled turns enforcement on. When disabled the middleware is a
	// pass-through; intended for local development only.
	Enabled bool

	// PolicyFile is the path to the YAML policy document.
	PolicyFile string

	// TrustedProxies lists CIDR ranges whose X-Forwarded-For entries are
	// honored during client IP resolution.
	TrustedProxies []string

	// ExemptPaths lists path prefixes that bypass enforcement entirely,
	// including while the circuit breaker is open (health, metrics).
	ExemptPaths []string

	// StoreTimeout bounds every counter round trip. A timeout counts as
	// a store failure for circuit breaker purposes.
	StoreTimeout time.Duration
}

// BreakerConfig holds circuit breaker thresholds for the fail-closed
// governor around the counter store.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive store errors that
	// opens the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// HalfOpenProbes is the number of concurrent probe calls admitted
	// while half-open.
	HalfOpenProbes int
}

// AdminConfig holds configuration for the emergency override API.
type AdminConfig struct {
	// WriteRequestsPerMin caps override mutations per admin per minute
	// via the local in-process limiter.
	WriteRequestsPerMin int

	// AuditLogMaxEntries bounds the per-target audit trail kept in the
	// backing store.
	AuditLogMaxEntries int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "openlimit"),
			Env:   getEnv("APP_ENV", EnvDevelopment),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Limiter: LimiterConfig{
			Enabled:        getEnvBool("LIMITER_ENABLED", true),
			PolicyFile:     getEnv("LIMITER_POLICY_FILE", "policies.yaml"),
			TrustedProxies: getEnvSlice("LIMITER_TRUSTED_PROXIES", []string{"10.0.0.0/8", "172.16.0.0/12", "127.0.0.1/32"}),
			ExemptPaths:    getEnvSlice("LIMITER_EXEMPT_PATHS", []string{"/healthz", "/metrics"}),
			StoreTimeout:   getEnvDuration("LIMITER_STORE_TIMEOUT", 50*time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 5*time.Second),
			HalfOpenProbes:   getEnvInt("BREAKER_HALF_OPEN_PROBES", 3),
		},
		Admin: AdminConfig{
			WriteRequestsPerMin: getEnvInt("ADMIN_WRITE_RPM", 10),
			AuditLogMaxEntries:  getEnvInt("ADMIN_AUDIT_MAX_ENTRIES", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants at startup. Misconfiguration
// fails fast rather than degrading enforcement at runtime.
func (c *Config) Validate() error {
	if !slices.Contains(knownEnvironments, c.App.Env) {
		return fmt.Errorf("unknown environment %q, must be one of %v", c.App.Env, knownEnvironments)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Redis.MaxRetries < 1 || c.Redis.MaxRetries > 10 {
		return fmt.Errorf("redis max retries must be between 1 and 10, got %d", c.Redis.MaxRetries)
	}
	if c.Limiter.StoreTimeout <= 0 {
		return fmt.Errorf("limiter store timeout must be positive, got %s", c.Limiter.StoreTimeout)
	}
	for _, cidr := range c.Limiter.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %s", c.Breaker.Cooldown)
	}
	return nil
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == EnvDevelopment
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(v)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
