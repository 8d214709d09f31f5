package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/config"
	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	historyStatus string
	historyAgent  string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished tasks from the ledger",
	Long: `Read finished tasks from the SQLite ledger in storage.data_dir, newest first.
Works without a running server.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only tasks with this status")
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "Only tasks for this agent type")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := cfg.Storage.Path(config.LedgerFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "No ledger yet. Run 'relay serve' or 'relay run' first.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	tasks, err := db.ListTasks(state.TaskFilter{
		Status:    models.TaskStatus(historyStatus),
		AgentType: historyAgent,
		Limit:     historyLimit,
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	printHistory(cmd.OutOrStdout(), tasks)
	return nil
}

func printHistory(w io.Writer, tasks []models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks recorded.")
		return
	}
	fmt.Fprintf(w, "%-8s  %-16s  %-20s  %-20s  %-8s  %s\n", "ID", "STATUS", "AGENT", "RAN ON", "TOOK", "DESCRIPTION")
	for _, t := range tasks {
		ranOn := t.AssignedAgent
		if ranOn == "" {
			ranOn = "-"
		}
		fmt.Fprintf(w, "%-8s  %s  %-20s  %-20s  %-8s  %s\n",
			shortID(t.ID),
			statusColor(t.Status).Sprintf("%-16s", t.Status),
			t.AgentType,
			ranOn,
			formatDuration(t.Duration()),
			oneLine(t.Description, 50))
	}
}
