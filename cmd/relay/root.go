package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/config"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Fault-tolerant agent delegation",
	Long: `Relay delegates tasks to a bounded set of interchangeable agents and keeps
the workflow moving when agents fail, stall or run out of resources.

Core capabilities:
- Per agent type circuit breakers with exponential backoff
- A reusable agent pool with eviction and overcommit
- Backup agents deployed for failed, stalled or timed out work
- Delegation depth and parallelism limits with human approval
- A SQLite ledger of every finished task`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/relay/config.yaml and .relay.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Relay server address (default: server.addr from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(circuitsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, otherwise the layered defaults.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// apiAddr resolves the server address from --addr or config.
func apiAddr() (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Server.Addr, nil
}
