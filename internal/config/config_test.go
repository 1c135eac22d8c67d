package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "packaged", cfg.Mode)
	require.Equal(t, 3456, cfg.Primary.Port)
	require.True(t, cfg.Auxiliary.Enabled)
	require.Equal(t, 3457, cfg.Auxiliary.Port)
	require.Equal(t, "cloudflared", cfg.Tunnel.Binary)
	require.Equal(t, "trycloudflare.com", cfg.Tunnel.Domain)
	require.Equal(t, "http2", cfg.Tunnel.Protocol)
	require.Equal(t, 40*time.Second, cfg.Tunnel.ReadyTimeout)
	require.Equal(t, 10, cfg.Health.Attempts)
	require.Equal(t, 500*time.Millisecond, cfg.Health.Delay)
	require.False(t, cfg.ExternalPrimary)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Mode = "development"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults in development mode are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "packaged mode requires resource root",
			mutate: func(c *Config) {
				c.Mode = "packaged"
				c.ResourceRoot = ""
			},
			wantErr: "resource_root",
		},
		{
			name: "packaged mode with resource root is valid",
			mutate: func(c *Config) {
				c.Mode = "packaged"
				c.ResourceRoot = "/opt/termtunnel"
			},
		},
		{
			name:    "unknown mode rejected",
			mutate:  func(c *Config) { c.Mode = "staging" },
			wantErr: "invalid mode",
		},
		{
			name:    "zero primary port rejected",
			mutate:  func(c *Config) { c.Primary.Port = 0 },
			wantErr: "primary port",
		},
		{
			name:    "out of range auxiliary port rejected",
			mutate:  func(c *Config) { c.Auxiliary.Port = 70000 },
			wantErr: "auxiliary port",
		},
		{
			name: "disabled auxiliary skips port check",
			mutate: func(c *Config) {
				c.Auxiliary.Enabled = false
				c.Auxiliary.Port = 70000
			},
		},
		{
			name:    "port collision rejected",
			mutate:  func(c *Config) { c.Auxiliary.Port = 3456 },
			wantErr: "collide",
		},
		{
			name:    "empty tunnel domain rejected",
			mutate:  func(c *Config) { c.Tunnel.Domain = "" },
			wantErr: "domain",
		},
		{
			name:    "non-positive ready timeout rejected",
			mutate:  func(c *Config) { c.Tunnel.ReadyTimeout = 0 },
			wantErr: "ready_timeout",
		},
		{
			name:    "zero health attempts rejected",
			mutate:  func(c *Config) { c.Health.Attempts = 0 },
			wantErr: "attempts",
		},
		{
			name:    "negative health delay rejected",
			mutate:  func(c *Config) { c.Health.Delay = -time.Second },
			wantErr: "delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "termtunnel configuration")

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Equal(t, 3456, cfg.Primary.Port)
	require.Equal(t, "trycloudflare.com", cfg.Tunnel.Domain)

	// Second write must not clobber the existing file.
	require.Error(t, WriteDefault(path))
}
