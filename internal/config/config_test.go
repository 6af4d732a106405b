package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultStuckEscrowWindow, cfg.StuckEscrowWindow)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STUCK_ESCROW_WINDOW", "2h")
	t.Setenv("RATE_LIMIT_RPS", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.StuckEscrowWindow)
	assert.Equal(t, 42, cfg.RateLimitRPS)
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	cfg := &Config{
		Env:               "production",
		StuckEscrowWindow: time.Hour,
		ReconcileInterval: time.Minute,
	}
	assert.Error(t, cfg.Validate())

	cfg.WebhookSecret = "whsec_test"
	assert.Error(t, cfg.Validate())

	cfg.ProviderAPIKey = "sk_test"
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://localhost/escrowd"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BadDurations(t *testing.T) {
	cfg := &Config{Env: "development", StuckEscrowWindow: 0, ReconcileInterval: time.Minute}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Env: "development", StuckEscrowWindow: time.Hour, ReconcileInterval: -1}
	assert.Error(t, cfg.Validate())
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("RECONCILE_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
}
