package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/config"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 90, cfg.DataRetentionDays)
	assert.Equal(t, 500*time.Millisecond, cfg.DispatchInterval)
	assert.Equal(t, 5, cfg.WebhookMaxRetries)
}

func TestLoad_HonorsEnvOverride(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.AppEnv)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestConfig_EnvironmentPredicatesAreCaseInsensitive(t *testing.T) {
	t.Parallel()
	assert.True(t, config.Config{AppEnv: "DEV"}.IsDev())
	assert.True(t, config.Config{AppEnv: "Prod"}.IsProd())
	assert.True(t, config.Config{AppEnv: "TEST"}.IsTest())
	assert.False(t, config.Config{AppEnv: "staging"}.IsDev())
}
