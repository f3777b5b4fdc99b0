package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LOOMD_HTTP_ADDR", "LOOMD_NATS_BIN", "LOOMD_NATS_STORE_DIR",
		"LOOMD_NATS_CLIENT_ADDR", "LOOMD_NATS_HTTP_ADDR", "LOOMD_POSTGRES_DSN",
		"LOOMD_STATE_DIR", "LOOMD_WRITE_TIMEOUT", "LOOMD_READY_POLL_INTERVAL",
		"LOOMD_READY_BOUND", "XDG_STATE_HOME",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7420", cfg.HTTPAddr)
	assert.Equal(t, "127.0.0.1:4222", cfg.NatsClientAddr)
	assert.Equal(t, "127.0.0.1:8222", cfg.NatsHTTPAddr)
	assert.False(t, cfg.HasCatchupIndex())
}

func TestLoadRejectsMatchingNatsAddrs(t *testing.T) {
	clearEnv(t)
	os.Setenv("LOOMD_NATS_CLIENT_ADDR", "127.0.0.1:4222")
	os.Setenv("LOOMD_NATS_HTTP_ADDR", "127.0.0.1:4222")
	defer clearEnv(t)

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	os.Setenv("LOOMD_WRITE_TIMEOUT", "not-a-duration")
	defer clearEnv(t)

	_, err := Load("")
	assert.Error(t, err)
}

func TestHasCatchupIndex(t *testing.T) {
	clearEnv(t)
	os.Setenv("LOOMD_POSTGRES_DSN", "postgres://localhost/loomd")
	defer clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.HasCatchupIndex())
}
