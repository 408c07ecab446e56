package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everything-os/shift/pkg/config"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := config.LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "/run/shift/shift.sock", cfg.SocketPath)
	assert.Equal(t, []string{"/dev/dri/renderD128"}, cfg.RenderNodes)
	assert.Equal(t, 250*1e6, float64(cfg.AckTimeout))
	assert.False(t, cfg.DebugAutoSwitch)
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := config.LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, config.RenderModeEager, cfg.RenderMode)
	assert.Equal(t, "/run/shift/shift.sock", cfg.SocketPath)
}

func TestLoadClientConfigFromEnv(t *testing.T) {
	t.Setenv("SHIFT_SESSION_TOKEN", "abc123")
	t.Setenv("SHIFT_RENDER_MODE", "scheduled")

	cfg, err := config.LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.SessionToken)
	assert.Equal(t, config.RenderModeScheduled, cfg.RenderMode)
}
