package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                   "development",
		JWTSecret:             testSecret,
		HoldWindow:            DefaultHoldWindow,
		ReleaseBatchSize:      DefaultReleaseBatchSize,
		ReleaseInterval:       DefaultReleaseInterval,
		RenewalInterval:       DefaultRenewalInterval,
		RenewalLookAhead:      DefaultRenewalLookAhead,
		CleanupInterval:       DefaultCleanupInterval,
		NotificationRetention: DefaultNotificationRetention,
		CaptureProvider:       "manual",
		RateLimitPerMinute:    DefaultRateLimitPerMinute,
		RateLimitBurst:        DefaultRateLimitBurst,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "PORT", "9090")
	setEnv(t, "HOLD_WINDOW", "48h")
	setEnv(t, "ENV", "development")
	setEnv(t, "CAPTURE_PROVIDER", "manual")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.HoldWindow)
	assert.Equal(t, DefaultRenewalLookAhead, cfg.RenewalLookAhead)
	assert.Equal(t, DefaultReleaseBatchSize, cfg.ReleaseBatchSize)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "at least 32"},
		{name: "zero hold window", mutate: func(c *Config) { c.HoldWindow = 0 }, wantErr: "HOLD_WINDOW"},
		{name: "zero batch", mutate: func(c *Config) { c.ReleaseBatchSize = 0 }, wantErr: "RELEASE_BATCH_SIZE"},
		{name: "negative lookahead", mutate: func(c *Config) { c.RenewalLookAhead = -time.Hour }, wantErr: "RENEWAL_LOOKAHEAD"},
		{name: "unknown provider", mutate: func(c *Config) { c.CaptureProvider = "paypal" }, wantErr: "CAPTURE_PROVIDER"},
		{name: "stripe without key", mutate: func(c *Config) { c.CaptureProvider = "stripe" }, wantErr: "STRIPE_SECRET_KEY"},
		{name: "notify url without secret", mutate: func(c *Config) { c.NotifyURL = "https://notify.local" }, wantErr: "NOTIFY_SECRET"},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimitBurst = 0 }, wantErr: "RATE_LIMIT"},
		{name: "manual capture in production", mutate: func(c *Config) { c.Env = "production" }, wantErr: "not allowed in production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_DUR", time.Second))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", " https://a.example, ,https://b.example ")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_LIST"))
}
