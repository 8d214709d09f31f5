package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/pkg/models"
)

func statusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed, models.TaskStatusRejected:
		return color.New(color.FgRed)
	case models.TaskStatusSkipped, models.TaskStatusCancelled, models.TaskStatusBackupAssigned:
		return color.New(color.FgYellow)
	case models.TaskStatusExecuting:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

func circuitColor(s circuit.State) *color.Color {
	switch s {
	case circuit.StateOpen:
		return color.New(color.FgRed)
	case circuit.StateHalfOpen:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
