// Package cmd implements the termtunnel CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/termtunnel/termtunnel/internal/config"
)

var (
	cfgFile string
	cfg     config.Config

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "termtunnel",
	Short: "Supervisor for a local backend, its tunnel client, and a PTY sidecar",
	Long: `termtunnel launches and supervises a local backend server, a quick-tunnel
client that exposes it publicly, and an optional PTY sidecar. It cleans up
orphaned workers from previous runs, waits for the backend to pass its health
check, scrapes the tunnel client's logs for the public URL, and tears
everything down in order on shutdown.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// SetVersion sets version info from build-time ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/termtunnel/config.yaml)")
}

func initConfig() error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("locate home directory: %w", err)
		}
		dir := filepath.Join(home, ".config", "termtunnel")
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TERMTUNNEL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		// First run: materialize the defaults so operators have a file to
		// edit. Best effort; defaults apply regardless.
		if cfgFile == "" {
			if home, herr := os.UserHomeDir(); herr == nil {
				_ = config.WriteDefault(filepath.Join(home, ".config", "termtunnel", "config.yaml"))
			}
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func setDefaults() {
	d := config.Defaults()

	viper.SetDefault("mode", d.Mode)
	viper.SetDefault("resource_root", d.ResourceRoot)
	viper.SetDefault("project_dir", d.ProjectDir)
	viper.SetDefault("log_dir", d.LogDir)
	viper.SetDefault("external_primary", d.ExternalPrimary)

	viper.SetDefault("primary.port", d.Primary.Port)

	viper.SetDefault("auxiliary.enabled", d.Auxiliary.Enabled)
	viper.SetDefault("auxiliary.port", d.Auxiliary.Port)

	viper.SetDefault("tunnel.binary", d.Tunnel.Binary)
	viper.SetDefault("tunnel.domain", d.Tunnel.Domain)
	viper.SetDefault("tunnel.protocol", d.Tunnel.Protocol)
	viper.SetDefault("tunnel.ready_timeout", d.Tunnel.ReadyTimeout)

	viper.SetDefault("health.attempts", d.Health.Attempts)
	viper.SetDefault("health.delay", d.Health.Delay)

	viper.SetDefault("tracing.enabled", d.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", d.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", d.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}
