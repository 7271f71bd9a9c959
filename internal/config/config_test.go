package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultVCToVPRate, cfg.VCToVPRate)
	assert.Equal(t, DefaultGraceWindow, cfg.GraceWindow)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "VC_TO_VP_RATE", "2.0")
	setEnv(t, "GRACE_WINDOW", "72h")
	setEnv(t, "SWEEP_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2.0, cfg.VCToVPRate)
	assert.Equal(t, 72*time.Hour, cfg.GraceWindow)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
}

func TestLoad_BadRate(t *testing.T) {
	setEnv(t, "VC_TO_VP_RATE", "-1")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "VC_TO_VP_RATE")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		VCToVPRate:    1.5,
		GraceWindow:   24 * time.Hour,
		SweepInterval: 30 * time.Second,
		RateLimitRPS:  100,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"zero rate", func(c *Config) { c.VCToVPRate = 0 }, "VC_TO_VP_RATE"},
		{"negative grace window", func(c *Config) { c.GraceWindow = -time.Hour }, "GRACE_WINDOW"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPS = 0 }, "RATE_LIMIT_RPS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
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

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_BAD_DUR", time.Hour))
}
