package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/termtunnel/termtunnel/internal/log"
	"github.com/termtunnel/termtunnel/internal/supervisor"
	"github.com/termtunnel/termtunnel/internal/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the workers and supervise them until interrupted",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// logSink publishes observer events into the structured log so a headless run
// still records status transitions and the discovered public URL.
type logSink struct{}

func (logSink) Publish(topic, payload string) {
	log.Info(log.CatSuper, "event", "topic", topic, "payload", payload)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog, err := log.Init(filepath.Join(cfg.LogDir, "termtunnel.log"))
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	sup := supervisor.New(supervisor.Config{
		Mode:               supervisor.ParseMode(cfg.Mode),
		ResourceRoot:       cfg.ResourceRoot,
		ProjectDir:         cfg.ProjectDir,
		LogDir:             cfg.LogDir,
		ExternalPrimary:    cfg.ExternalPrimary,
		PrimaryPort:        cfg.Primary.Port,
		AuxiliaryEnabled:   cfg.Auxiliary.Enabled,
		AuxiliaryPort:      cfg.Auxiliary.Port,
		TunnelBinary:       cfg.Tunnel.Binary,
		TunnelDomain:       cfg.Tunnel.Domain,
		TunnelProtocol:     cfg.Tunnel.Protocol,
		TunnelReadyTimeout: cfg.Tunnel.ReadyTimeout,
		HealthAttempts:     cfg.Health.Attempts,
		HealthDelay:        cfg.Health.Delay,
	},
		supervisor.WithSink(logSink{}),
		supervisor.WithTracer(tp.Tracer()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info(log.CatSuper, "starting", "version", version)
	if err := sup.Initialize(ctx); err != nil {
		sup.Shutdown()
		return fmt.Errorf("initialize workers: %w", err)
	}

	if url := sup.EndpointURL(); url != "" {
		fmt.Fprintln(cmd.OutOrStdout(), url)
	}

	<-ctx.Done()
	log.Info(log.CatSuper, "interrupt received, shutting down")
	sup.Shutdown()
	return nil
}
