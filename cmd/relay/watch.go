package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/server"
	"github.com/ShayCichocki/relay/internal/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live dashboard for a running server",
	Long: `Open a terminal dashboard that polls the relay server.

Tabs show tasks, circuits and pending oversight requests. On the oversight
tab, 'a' approves and 'd' denies the selected request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := apiAddr()
		if err != nil {
			return err
		}
		if _, err := tui.NewProgram(server.NewClient(addr), watchInterval).Run(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Poll interval")
}
