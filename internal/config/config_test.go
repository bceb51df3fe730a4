package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.StalenessThreshold)
	assert.Equal(t, 15*time.Minute, cfg.EvictAfter)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("DATABASE_URL", "postgres://localhost/jamgrid")
	t.Setenv("STALENESS_THRESHOLD", "45s")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "postgres://localhost/jamgrid", cfg.DatabaseURL)
	assert.Equal(t, 45*time.Second, cfg.StalenessThreshold)
	assert.True(t, cfg.LogPretty)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("PRUNE_INTERVAL", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
}
