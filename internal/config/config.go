// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables cross-instance job locks

	// Observability
	OTLPEndpoint string

	// Security
	JWTSecret          string
	CORSOrigins        []string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Escrow policy
	HoldWindow       time.Duration // time between capture and earliest release
	ReleaseBatchSize int

	// Background jobs
	ReleaseInterval       time.Duration
	RenewalInterval       time.Duration
	RenewalLookAhead      time.Duration
	CleanupInterval       time.Duration
	NotificationRetention time.Duration

	// Collaborators
	CaptureProvider string // "manual" or "stripe"
	StripeSecretKey string
	NotifyURL       string // Optional HTTP dispatch endpoint; logs only when empty
	NotifySecret    string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultHoldWindow            = 7 * 24 * time.Hour
	DefaultReleaseBatchSize      = 500
	DefaultReleaseInterval       = 24 * time.Hour
	DefaultRenewalInterval       = 24 * time.Hour
	DefaultRenewalLookAhead      = 3 * 24 * time.Hour
	DefaultCleanupInterval       = 24 * time.Hour
	DefaultNotificationRetention = 90 * 24 * time.Hour
	DefaultCaptureProvider       = "manual"
	DefaultRateLimitPerMinute    = 60
	DefaultRateLimitBurst        = 10

	minJWTSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		CORSOrigins:           getEnvList("CORS_ORIGINS"),
		RateLimitPerMinute:    int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		HoldWindow:            getEnvDuration("HOLD_WINDOW", DefaultHoldWindow),
		ReleaseBatchSize:      int(getEnvInt64("RELEASE_BATCH_SIZE", DefaultReleaseBatchSize)),
		ReleaseInterval:       getEnvDuration("RELEASE_INTERVAL", DefaultReleaseInterval),
		RenewalInterval:       getEnvDuration("RENEWAL_INTERVAL", DefaultRenewalInterval),
		RenewalLookAhead:      getEnvDuration("RENEWAL_LOOKAHEAD", DefaultRenewalLookAhead),
		CleanupInterval:       getEnvDuration("CLEANUP_INTERVAL", DefaultCleanupInterval),
		NotificationRetention: getEnvDuration("NOTIFICATION_RETENTION", DefaultNotificationRetention),
		CaptureProvider:       getEnv("CAPTURE_PROVIDER", DefaultCaptureProvider),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		NotifyURL:             os.Getenv("NOTIFY_URL"),
		NotifySecret:          os.Getenv("NOTIFY_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}

	if c.HoldWindow <= 0 {
		return fmt.Errorf("HOLD_WINDOW must be positive")
	}
	if c.ReleaseBatchSize <= 0 {
		return fmt.Errorf("RELEASE_BATCH_SIZE must be positive")
	}
	for name, d := range map[string]time.Duration{
		"RELEASE_INTERVAL":       c.ReleaseInterval,
		"RENEWAL_INTERVAL":       c.RenewalInterval,
		"RENEWAL_LOOKAHEAD":      c.RenewalLookAhead,
		"CLEANUP_INTERVAL":       c.CleanupInterval,
		"NOTIFICATION_RETENTION": c.NotificationRetention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch c.CaptureProvider {
	case "manual":
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when CAPTURE_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("CAPTURE_PROVIDER must be manual or stripe, got %q", c.CaptureProvider)
	}

	if c.NotifyURL != "" && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}

	if c.IsProduction() && c.CaptureProvider == "manual" {
		return fmt.Errorf("manual capture is not allowed in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
