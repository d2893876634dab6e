package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.ClientID)
	assert.Equal(t, "ordercore.db", cfg.DBPath)
	assert.Equal(t, time.Second, cfg.WatcherPollInterval)
	assert.Equal(t, 5*time.Second, cfg.RiskHeartbeatInterval)
	assert.Equal(t, 72*time.Hour, cfg.OrderRetention)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("OMC_CLIENT_ID", "acct-1")
	os.Setenv("OMC_WATCHER_POLL_INTERVAL", "250ms")
	defer os.Clearenv()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", cfg.ClientID)
	assert.Equal(t, 250*time.Millisecond, cfg.WatcherPollInterval)
}

func TestLoadAcceptsEmptyClientID(t *testing.T) {
	os.Clearenv()
	os.Setenv("OMC_CLIENT_ID", "")
	os.Setenv("OMC_DB_PATH", "x.db")
	defer os.Clearenv()

	_, err := Load("")
	require.NoError(t, err, "empty env var falls back to default, not an error")
}
