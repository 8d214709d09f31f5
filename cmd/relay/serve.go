package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/server"
)

var serveDrain time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Start the orchestrator with the Claude execution layer and serve the HTTP API.

State files in storage.data_dir are loaded on start and, with
storage.watch_config, reloaded when they change:
  circuit_config.json     per agent type breaker policy
  backup_profiles.json    substitute agents and their priorities

On SIGINT or SIGTERM the server stops accepting tasks and drains queued and
running work for up to --drain before cancelling what is left.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveDrain, "drain", 2*time.Minute, "How long to wait for running tasks on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closeLog()
	defer logger.Sync() //nolint:errcheck

	rt, err := newRuntime(cfg, logger, claudeRunner(cfg, logger))
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loops outlive the signal so Shutdown can drain.
	if err := rt.orch.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	srv := server.New(rt.orch, logger,
		server.WithTaskStore(rt.ledger),
		server.WithGatherer(rt.registry))

	fmt.Fprintf(cmd.OutOrStdout(), "%s relay listening on %s (data dir %s)\n",
		color.GreenString("✓"), cfg.Server.Addr, cfg.Storage.DataDir)

	serveErr := srv.Run(ctx, cfg.Server.Addr)

	drainCtx, cancel := context.WithTimeout(context.Background(), serveDrain)
	defer cancel()
	if err := rt.orch.Shutdown(drainCtx); err != nil {
		logger.Warn("shutdown did not drain", zap.Error(err))
	}
	return serveErr
}
