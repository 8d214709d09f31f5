package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/server"
)

var circuitsReset string

var circuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "Show per agent type circuit state and policy",
	Long: `List every agent type the server knows about with its breaker state,
failure count, retry threshold, priority and backup agents.

Use --reset <agent-type> to force a circuit closed.`,
	RunE: runCircuits,
}

func init() {
	circuitsCmd.Flags().StringVar(&circuitsReset, "reset", "", "Close the circuit for this agent type")
}

func runCircuits(cmd *cobra.Command, args []string) error {
	addr, err := apiAddr()
	if err != nil {
		return err
	}
	client := server.NewClient(addr)

	if circuitsReset != "" {
		v, err := client.ResetCircuit(cmd.Context(), circuitsReset)
		if err != nil {
			return fmt.Errorf("reset %s: %w", circuitsReset, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s circuit is %s\n",
			color.GreenString("✓"), v.AgentType, circuitColor(v.State).Sprint(v.State))
		return nil
	}

	views, err := client.Circuits(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch circuits from %s: %w", addr, err)
	}
	printCircuits(cmd.OutOrStdout(), views, time.Now())
	return nil
}

func printCircuits(w io.Writer, views []server.CircuitView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No circuits.")
		return
	}
	fmt.Fprintf(w, "%-22s %-10s %-9s %-9s %-9s %s\n", "AGENT", "STATE", "FAILURES", "PRIORITY", "RETRY IN", "BACKUPS")
	for _, v := range views {
		retry := "-"
		if v.State == circuit.StateOpen && v.NextAttemptTime.After(now) {
			retry = formatDuration(v.NextAttemptTime.Sub(now).Round(time.Second))
		}
		backups := "-"
		if len(v.Config.BackupAgents) > 0 {
			backups = strings.Join(v.Config.BackupAgents, ",")
		}
		fmt.Fprintf(w, "%-22s %s %-9s %-9s %-9s %s\n",
			v.AgentType,
			circuitColor(v.State).Sprintf("%-10s", v.State),
			fmt.Sprintf("%d/%d", v.FailureCount, v.Config.RetryAttempts),
			v.Config.Priority,
			retry,
			backups)
	}
}
