package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ADMIN_API_TOKEN", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Metering.ChargeFrequency)
	assert.Equal(t, 5*time.Minute, cfg.Metering.ChargeLookahead)
	assert.False(t, cfg.Metering.TimerDisabled)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfigRejectsSubSecondFrequency(t *testing.T) {
	t.Setenv("ADMIN_API_TOKEN", "secret")
	t.Setenv("CHARGE_FREQUENCY", "500ms")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsLookaheadBelowFrequency(t *testing.T) {
	t.Setenv("ADMIN_API_TOKEN", "secret")
	t.Setenv("CHARGE_FREQUENCY", "5m")
	t.Setenv("CHARGE_LOOKAHEAD", "2m")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRequiresAdminToken(t *testing.T) {
	t.Setenv("ADMIN_API_TOKEN", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigTimerDisabled(t *testing.T) {
	t.Setenv("ADMIN_API_TOKEN", "secret")
	t.Setenv("CHARGE_TIMER_DISABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Metering.TimerDisabled)
}
