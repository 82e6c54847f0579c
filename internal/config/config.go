package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // time zone cohorts must resolve without system tzdata

	"github.com/joho/godotenv"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Database configuration
	DatabaseDriver string
	DatabasePath   string // sqlite
	DatabaseURL    string // postgres

	// Provider API configuration
	ProviderName        string
	ProviderBaseURL     string
	ProviderAPIKey      string
	ProviderDevID       string
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int
	ProviderRetryBase   time.Duration

	// Backfill jobs wait while this share of the provider quota is used
	RateLimitThrottlePercent float64

	// Internal API configuration
	InternalAPIKey string

	// Synchronizer configuration
	SyncConcurrency    int
	CacheSize          int
	CacheTTL           time.Duration
	DefaultTimezone    string
	WorkerPollInterval time.Duration

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Logging configuration
	LogLevel string
}

// Load reads configuration from environment variables, after loading a .env file if one exists.
// It fails fast if required variables are missing
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		Host:                     getEnv("HOST", "localhost"),
		Port:                     getEnvInt("PORT", 4101),
		DatabaseDriver:           strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite)),
		DatabasePath:             getEnv("DATABASE_PATH", "./data.db"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		ProviderName:             getEnv("PROVIDER_NAME", "wearable"),
		ProviderBaseURL:          getEnv("PROVIDER_BASE_URL", "https://api.wearable-provider.example/v2"),
		ProviderTimeout:          getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second),
		ProviderMaxAttempts:      getEnvInt("PROVIDER_MAX_ATTEMPTS", 3),
		ProviderRetryBase:        getEnvDuration("PROVIDER_RETRY_BASE", 250*time.Millisecond),
		RateLimitThrottlePercent: getEnvFloat("RATE_LIMIT_THROTTLE_PERCENT", 90),
		SyncConcurrency:          getEnvInt("SYNC_CONCURRENCY", 4),
		CacheSize:                getEnvInt("CACHE_SIZE", 1024),
		CacheTTL:                 getEnvDuration("CACHE_TTL", 10*time.Minute),
		DefaultTimezone:          getEnv("DEFAULT_TIMEZONE", "UTC"),
		WorkerPollInterval:       getEnvDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
		MetricsEnabled:           getEnvBool("METRICS_ENABLED", false),
		MetricsHost:              getEnv("METRICS_HOST", "localhost"),
		MetricsPort:              getEnvInt("METRICS_PORT", 9090),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	// Required values
	var missingVars []string

	cfg.ProviderAPIKey = os.Getenv("PROVIDER_API_KEY")
	if cfg.ProviderAPIKey == "" {
		missingVars = append(missingVars, "PROVIDER_API_KEY")
	}

	cfg.ProviderDevID = os.Getenv("PROVIDER_DEV_ID")
	if cfg.ProviderDevID == "" {
		missingVars = append(missingVars, "PROVIDER_DEV_ID")
	}

	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")
	if cfg.InternalAPIKey == "" {
		missingVars = append(missingVars, "INTERNAL_API_KEY")
	}

	if cfg.DatabaseDriver == DriverPostgres && cfg.DatabaseURL == "" {
		missingVars = append(missingVars, "DATABASE_URL")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (want %s or %s)", c.DatabaseDriver, DriverSQLite, DriverPostgres)
	}

	if c.ProviderMaxAttempts < 1 {
		return fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be at least 1, got %d", c.ProviderMaxAttempts)
	}
	if c.RateLimitThrottlePercent <= 0 || c.RateLimitThrottlePercent > 100 {
		return fmt.Errorf("RATE_LIMIT_THROTTLE_PERCENT must be in (0, 100], got %g", c.RateLimitThrottlePercent)
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be at least 1, got %d", c.SyncConcurrency)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}
	return nil
}

// Location returns the time zone used when a caller does not supply a target date
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DatabaseDSN returns the data source for the configured driver
func (c *Config) DatabaseDSN() string {
	if c.DatabaseDriver == DriverPostgres {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration accepts Go duration strings ("5s", "10m")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
