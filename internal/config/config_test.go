package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

func TestLoadConfig(t *testing.T) {
	originalEnv := map[string]string{
		"ENVIRONMENT":            os.Getenv("ENVIRONMENT"),
		"LOG_LEVEL":              os.Getenv("LOG_LEVEL"),
		"HTTP_PORT":              os.Getenv("HTTP_PORT"),
		"REDIS_URL":              os.Getenv("REDIS_URL"),
		"POSTGRES_DSN":           os.Getenv("POSTGRES_DSN"),
		"CLEANUP_SWEEP_INTERVAL": os.Getenv("CLEANUP_SWEEP_INTERVAL"),
	}
	defer func() {
		for key, value := range originalEnv {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	t.Run("load with defaults", func(t *testing.T) {
		os.Clearenv()

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "8080", cfg.HTTPPort)
		assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
		assert.Equal(t, "postgres://localhost:5432/runnerhub", cfg.PostgresDSN)
		assert.Equal(t, 30*time.Second, cfg.LeaderLockTTL)
		assert.Equal(t, 10*time.Second, cfg.LeaderRenewalInterval)
		assert.Equal(t, 5*time.Minute, cfg.CleanupSweepInterval)
		assert.Equal(t, 60*time.Second, cfg.CleanupInitialDelay)
	})

	t.Run("load with custom env vars", func(t *testing.T) {
		os.Clearenv()
		os.Setenv("ENVIRONMENT", "production")
		os.Setenv("LOG_LEVEL", "debug")
		os.Setenv("HTTP_PORT", "9090")
		os.Setenv("REDIS_URL", "redis://redis.example.com:6379/0")
		os.Setenv("POSTGRES_DSN", "postgres://postgres.example.com:5432/custom")
		os.Setenv("CLEANUP_SWEEP_INTERVAL", "10m")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "9090", cfg.HTTPPort)
		assert.Equal(t, "redis://redis.example.com:6379/0", cfg.RedisURL)
		assert.Equal(t, "postgres://postgres.example.com:5432/custom", cfg.PostgresDSN)
		assert.Equal(t, 10*time.Minute, cfg.CleanupSweepInterval)
	})
}

func TestDefaultPoliciesSeeded(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	policies := cfg.GetPolicies()
	assert.Len(t, policies, 4)

	idle, ok := cfg.GetPolicy("idle")
	require.True(t, ok)
	assert.Equal(t, domain.PolicyTypeIdle, idle.Type)
	assert.Equal(t, 30, idle.Conditions.IdleMinutes)
}

func TestUpdatePolicy(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	updated, ok := cfg.GetPolicy("idle")
	require.True(t, ok)
	updated.Enabled = false
	updated.Conditions.IdleMinutes = 45
	cfg.UpdatePolicy(updated)

	got, ok := cfg.GetPolicy("idle")
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.Equal(t, 45, got.Conditions.IdleMinutes)
}
