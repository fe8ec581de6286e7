package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 4000, cfg.HTTPPort)
	require.Equal(t, 30*time.Second, cfg.DaemonInterval)
	require.Equal(t, 5*time.Second, cfg.RouterRefresh)
	require.True(t, cfg.DaemonEnabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.HTTPPort = 0 }},
		{"port too high", func(c *Config) { c.HTTPPort = 70000 }},
		{"zero daemon interval", func(c *Config) { c.DaemonInterval = 0 }},
		{"zero router refresh", func(c *Config) { c.RouterRefresh = 0 }},
		{"zero handshake", func(c *Config) { c.SpawnHandshake = 0 }},
		{"zero call timeout", func(c *Config) { c.CallTimeout = 0 }},
		{"negative restart attempts", func(c *Config) { c.RestartMaxAttempts = -1 }},
		{"zero concurrency", func(c *Config) { c.AcquisitionConcurrency = 0 }},
		{"empty install dir", func(c *Config) { c.InstallDir = "" }},
		{"no registries", func(c *Config) { c.RegistryEndpoints = nil }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
