package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "PORT", "NATS_URL", "NATS_NKEY_SEED", "VAULT_TOKEN",
		"SWEEP_INTERVAL", "TICK_INTERVAL", "PROGRAM_CACHE_TTL",
		"BROADCASTER_USERNAME", "OWNER_USERNAMES",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.ProgramCacheTTL)
	assert.Empty(t, cfg.Owners)
	assert.False(t, cfg.UsesVault())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SWEEP_INTERVAL", "250ms")
	t.Setenv("BROADCASTER_USERNAME", "Streamer")
	t.Setenv("OWNER_USERNAMES", "Streamer, ModOne ,,")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("NATS_NKEY_SEED", "")
	t.Setenv("VAULT_TOKEN", "root")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, "streamer", cfg.Broadcaster)
	assert.Equal(t, []string{"streamer", "modone"}, cfg.Owners)
	assert.True(t, cfg.UsesVault())
}

func TestLoadOwnersDefaultToBroadcaster(t *testing.T) {
	t.Setenv("BROADCASTER_USERNAME", "streamer")
	t.Setenv("OWNER_USERNAMES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"streamer"}, cfg.Owners)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "SWEEP_INTERVAL", value: "soon"},
		{key: "TICK_INTERVAL", value: "-5s"},
		{key: "PROGRAM_CACHE_TTL", value: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.ErrorContains(t, err, tt.key)
		})
	}
}
