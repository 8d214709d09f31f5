package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running server's workflow status",
	Long: `Display the state of a running relay server.

Shows:
  - Queue length, executing tasks and the current concurrency limit
  - Task counters since the server started
  - Component health: circuits, pool, backups, memory
  - Oversight requests waiting for a decision`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, err := apiAddr()
	if err != nil {
		return err
	}
	client := server.NewClient(addr)

	status, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch status from %s: %w", addr, err)
	}
	pending, err := client.Pending(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch oversight requests: %w", err)
	}

	printStatus(cmd.OutOrStdout(), status, pending)
	return nil
}

func printStatus(w io.Writer, s orchestrator.WorkflowStatus, pending []oversight.Request) {
	bold := color.New(color.Bold)

	bold.Fprintln(w, "Workflow")
	fmt.Fprintf(w, "  Queued: %d  Executing: %d/%d\n", s.QueueLength, s.Executing, s.ConcurrencyLimit)
	st := s.Stats
	fmt.Fprintf(w, "  Submitted: %d  Completed: %s  Failed: %s  Skipped: %d  Rejected: %d  Cancelled: %d\n",
		st.Submitted,
		color.GreenString("%d", st.Completed),
		color.RedString("%d", st.Failed),
		st.Skipped, st.Rejected, st.Cancelled)
	fmt.Fprintf(w, "  Backups: %d  Stalls: %d  Stimulations: %d  Timeouts: %d  Pressure events: %d\n",
		st.BackupDeployments, st.Stalls, st.Stimulations, st.Timeouts, st.PressureEvents)

	h := s.ComponentHealth
	fmt.Fprintln(w)
	bold.Fprintln(w, "Components")
	fmt.Fprintf(w, "  Circuits: %d closed, %s, %s\n",
		h.Circuits.Closed,
		color.RedString("%d open", h.Circuits.Open),
		color.YellowString("%d half-open", h.Circuits.HalfOpen))
	fmt.Fprintf(w, "  Pool: %d/%d handles (%d idle, %d busy, %d error), %d overcommits\n",
		h.Pool.Size, h.Pool.Capacity, h.Pool.Idle, h.Pool.Busy, h.Pool.Error, h.Pool.Overcommits)
	fmt.Fprintf(w, "  Backups: %d deployments, %.0f%% successful\n",
		h.Backups.Total, h.Backups.SuccessRate*100)
	mem := fmt.Sprintf("%.1f%% (%.0f MB)", h.Memory.Percent, h.Memory.ProcessMemoryMB)
	if h.ResourcesOK {
		fmt.Fprintf(w, "  Memory: %s\n", color.GreenString(mem))
	} else {
		fmt.Fprintf(w, "  Memory: %s %s\n", color.RedString(mem), h.ResourceReason)
	}
	if h.DroppedEvents > 0 {
		fmt.Fprintf(w, "  Dropped events: %s\n", color.YellowString("%d", h.DroppedEvents))
	}

	if len(s.ActiveTasks) > 0 {
		fmt.Fprintln(w)
		bold.Fprintln(w, "Active tasks")
		for _, t := range s.ActiveTasks {
			fmt.Fprintf(w, "  %s %-16s %-20s %s\n",
				shortID(t.ID), statusColor(t.Status).Sprint(t.Status), t.AgentType, oneLine(t.Description, 50))
		}
	}

	if len(pending) > 0 {
		fmt.Fprintln(w)
		bold.Fprintln(w, "Awaiting decision")
		for _, r := range pending {
			fmt.Fprintf(w, "  %s %-22s %s value=%g\n",
				shortID(r.ID), r.Operation, color.YellowString(r.Severity.String()), r.Value)
		}
	}
}
