// Package config loads and validates the service configuration from the
// environment. Configuration is read once at startup; accessors on the
// resulting Config are plain typed fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Config holds every option the service reads from the environment.
type Config struct {
	Env      string
	Port     int
	LogLevel string

	RedisURL string

	APIURL              string
	APIToken            string
	APIRequestTimeout   time.Duration
	APIBreakerThreshold int
	APIBreakerDuration  time.Duration

	CronEventExpiration      string
	CronSettlementGrowth     string
	CronStructureMaintenance string

	QueueMaxRetries   int
	QueueRetryBackoff time.Duration
	QueueConcurrency  int
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through the given lookup function. Missing
// required keys are reported together in a single error.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Env:                      stringOr(getenv, "NODE_ENV", EnvDevelopment),
		LogLevel:                 stringOr(getenv, "LOG_LEVEL", "info"),
		RedisURL:                 getenv("REDIS_URL"),
		APIURL:                   getenv("API_URL"),
		APIToken:                 getenv("API_SERVICE_ACCOUNT_TOKEN"),
		CronEventExpiration:      stringOr(getenv, "CRON_EVENT_EXPIRATION", "*/5 * * * *"),
		CronSettlementGrowth:     stringOr(getenv, "CRON_SETTLEMENT_GROWTH", "0 * * * *"),
		CronStructureMaintenance: stringOr(getenv, "CRON_STRUCTURE_MAINTENANCE", "0 * * * *"),
	}

	var parseErrs []string
	cfg.Port = intOr(getenv, "PORT", 9266, &parseErrs)
	cfg.QueueMaxRetries = intOr(getenv, "QUEUE_MAX_RETRIES", 3, &parseErrs)
	cfg.QueueConcurrency = intOr(getenv, "QUEUE_CONCURRENCY", 5, &parseErrs)
	cfg.QueueRetryBackoff = millisOr(getenv, "QUEUE_RETRY_BACKOFF_MS", 5000, &parseErrs)
	cfg.APIRequestTimeout = millisOr(getenv, "API_REQUEST_TIMEOUT_MS", 10000, &parseErrs)
	cfg.APIBreakerThreshold = intOr(getenv, "API_CIRCUIT_BREAKER_THRESHOLD", 5, &parseErrs)
	cfg.APIBreakerDuration = millisOr(getenv, "API_CIRCUIT_BREAKER_DURATION_MS", 30000, &parseErrs)

	var missing []string
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.APIURL == "" {
		missing = append(missing, "API_URL")
	}
	if cfg.APIToken == "" {
		missing = append(missing, "API_SERVICE_ACCOUNT_TOKEN")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %s", strings.Join(parseErrs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges after parsing.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("NODE_ENV must be production, development or test, got %q", c.Env)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be >= 1, got %d", c.QueueConcurrency)
	}
	if c.QueueMaxRetries < 1 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be >= 1, got %d", c.QueueMaxRetries)
	}
	if c.QueueRetryBackoff < 0 || c.APIRequestTimeout < 0 || c.APIBreakerDuration < 0 {
		return fmt.Errorf("duration options must be non-negative")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
// Production mode escalates cron task failures to critical alerts.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func stringOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func intOr(getenv func(string) string, key string, def int, errs *[]string) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func millisOr(getenv func(string) string, key string, defMillis int, errs *[]string) time.Duration {
	return time.Duration(intOr(getenv, key, defMillis, errs)) * time.Millisecond
}
