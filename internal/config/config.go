// Package config provides configuration types and defaults for the
// termtunnel supervisor daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/termtunnel/termtunnel/internal/tracing"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Mode selects how worker paths are resolved.
	// Valid values: "development", "packaged".
	Mode string `mapstructure:"mode" yaml:"mode"`

	// ResourceRoot is the bundled resource directory for packaged mode
	// (binaries under <root>/bin, server entry under <root>/server).
	ResourceRoot string `mapstructure:"resource_root" yaml:"resource_root"`

	// ProjectDir is the starting directory for the development-mode project
	// root search. Empty means the current working directory.
	ProjectDir string `mapstructure:"project_dir" yaml:"project_dir"`

	// LogDir is where the supervisor and worker log files are written.
	// Default: ~/.local/state/termtunnel/log.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// ExternalPrimary skips launching the primary backend and assumes an
	// externally managed instance is already listening on the primary port.
	ExternalPrimary bool `mapstructure:"external_primary" yaml:"external_primary"`

	Primary   PrimaryConfig   `mapstructure:"primary" yaml:"primary"`
	Auxiliary AuxiliaryConfig `mapstructure:"auxiliary" yaml:"auxiliary"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel" yaml:"tunnel"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Tracing   tracing.Config  `mapstructure:"tracing" yaml:"tracing"`
}

// PrimaryConfig holds settings for the primary backend worker.
type PrimaryConfig struct {
	// Port is the fixed local listening port, injected as PORT and used by
	// both the health probe and the tunnel target URL.
	Port int `mapstructure:"port" yaml:"port"`
}

// AuxiliaryConfig holds settings for the PTY sidecar worker.
type AuxiliaryConfig struct {
	// Enabled controls whether the sidecar is launched at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the sidecar's own listening port, also released during orphan
	// cleanup if a stale listener holds it.
	Port int `mapstructure:"port" yaml:"port"`
}

// TunnelConfig holds settings for the tunnel client worker.
type TunnelConfig struct {
	// Binary is the tunnel client executable name, resolved against the
	// bundled bin directory first and PATH second.
	Binary string `mapstructure:"binary" yaml:"binary"`

	// Domain is the quick-tunnel domain scanned for in the client's log
	// output (https://<label>.<domain>).
	Domain string `mapstructure:"domain" yaml:"domain"`

	// Protocol is passed to the client's --protocol flag.
	Protocol string `mapstructure:"protocol" yaml:"protocol"`

	// ReadyTimeout bounds the wait for the log-scraped public URL before the
	// tunnel start is declared failed and the process killed.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
}

// HealthConfig holds settings for the primary health probe.
type HealthConfig struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Delay    time.Duration `mapstructure:"delay" yaml:"delay"`
}

// Defaults returns the default configuration. The defaults mirror the
// packaged desktop deployment: primary on 3456, sidecar on 3457, tunnel via
// cloudflared quick tunnels, ten half-second health attempts.
func Defaults() Config {
	return Config{
		Mode:            "packaged",
		ResourceRoot:    "",
		ProjectDir:      "",
		LogDir:          defaultLogDir(),
		ExternalPrimary: false,
		Primary: PrimaryConfig{
			Port: 3456,
		},
		Auxiliary: AuxiliaryConfig{
			Enabled: true,
			Port:    3457,
		},
		Tunnel: TunnelConfig{
			Binary:       "cloudflared",
			Domain:       "trycloudflare.com",
			Protocol:     "http2",
			ReadyTimeout: 40 * time.Second,
		},
		Health: HealthConfig{
			Attempts: 10,
			Delay:    500 * time.Millisecond,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "log"
	}
	return filepath.Join(home, ".local", "state", "termtunnel", "log")
}

// Validate checks the configuration for values the supervisor cannot run with.
func (c Config) Validate() error {
	switch c.Mode {
	case "development", "packaged":
	default:
		return fmt.Errorf("invalid mode %q (want \"development\" or \"packaged\")", c.Mode)
	}
	if c.Mode == "packaged" && c.ResourceRoot == "" {
		return fmt.Errorf("resource_root is required in packaged mode")
	}
	if c.Primary.Port <= 0 || c.Primary.Port > 65535 {
		return fmt.Errorf("invalid primary port %d", c.Primary.Port)
	}
	if c.Auxiliary.Enabled && (c.Auxiliary.Port <= 0 || c.Auxiliary.Port > 65535) {
		return fmt.Errorf("invalid auxiliary port %d", c.Auxiliary.Port)
	}
	if c.Primary.Port == c.Auxiliary.Port {
		return fmt.Errorf("primary and auxiliary ports collide on %d", c.Primary.Port)
	}
	if c.Tunnel.Domain == "" {
		return fmt.Errorf("tunnel domain must not be empty")
	}
	if c.Tunnel.ReadyTimeout <= 0 {
		return fmt.Errorf("tunnel ready_timeout must be positive")
	}
	if c.Health.Attempts < 1 {
		return fmt.Errorf("health attempts must be at least 1")
	}
	if c.Health.Delay < 0 {
		return fmt.Errorf("health delay must not be negative")
	}
	return nil
}
