package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	runPriority     string
	runCriticalPath bool
	runEstimate     time.Duration
	runTimeout      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <agent-type> <description>",
	Short: "Run one task on a local orchestrator and wait for it",
	Long: `Start an in-process orchestrator, submit one task and wait for the result.

The run goes through the same circuit, backup and oversight admission as a
task submitted to 'relay serve', and is recorded in the same ledger. With no
human to answer oversight requests, they resolve by timeout according to
oversight.fail_open.

Examples:
  relay run code-analyzer "Review internal/pool for lock ordering issues"
  relay run security-fixer "Patch the path traversal in the upload handler" --critical-path`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPriority, "priority", string(models.PriorityMedium), "Task priority: critical, high, medium or low")
	runCmd.Flags().BoolVar(&runCriticalPath, "critical-path", false, "Deploy a backup when the agent errors")
	runCmd.Flags().DurationVar(&runEstimate, "estimate", 0, "Expected run time (default: the agent type's timeout)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Give up waiting after this long")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	task, err := runOnce(ctx, rt.orch, orchestrator.SubmitRequest{
		AgentType:    args[0],
		Description:  strings.Join(args[1:], " "),
		Priority:     models.Priority(runPriority),
		CriticalPath: runCriticalPath,
		Estimate:     runEstimate,
	})

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := rt.orch.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("shutdown did not drain", zap.Error(serr))
	}
	if err != nil {
		return err
	}

	printTask(cmd.OutOrStdout(), task)
	if task.Status != models.TaskStatusCompleted {
		return fmt.Errorf("task %s %s", shortID(task.ID), task.Status)
	}
	return nil
}

// runOnce starts orch, submits req and waits for the task to finish.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, req orchestrator.SubmitRequest) (models.Task, error) {
	if err := orch.Start(context.WithoutCancel(ctx)); err != nil {
		return models.Task{}, fmt.Errorf("start orchestrator: %w", err)
	}
	sub, err := orch.Submit(ctx, req)
	if err != nil {
		return models.Task{}, fmt.Errorf("submit: %w", err)
	}
	task, err := orch.Wait(ctx, sub.TaskID)
	if err != nil {
		return models.Task{}, fmt.Errorf("wait for task %s: %w", shortID(sub.TaskID), err)
	}
	return task, nil
}

func printTask(w io.Writer, t models.Task) {
	fmt.Fprintf(w, "Task %s: %s\n", t.ID, statusColor(t.Status).Sprint(t.Status))
	agent := t.AgentType
	if t.AssignedAgent != "" && t.AssignedAgent != t.AgentType {
		agent = fmt.Sprintf("%s (backup for %s)", t.AssignedAgent, t.AgentType)
	}
	fmt.Fprintf(w, "  Agent: %s\n", agent)
	if d := t.Duration(); d > 0 {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(d))
	}
	if t.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", t.Reason)
	}
	if t.RequiresManualIntervention {
		fmt.Fprintf(w, "  %s\n", color.YellowString("Manual intervention required"))
	}
	if t.Result != "" {
		fmt.Fprintf(w, "\n%s\n", t.Result)
	}
}
