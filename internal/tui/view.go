package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1)

	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("15")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))

	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	orangeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	grayStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// View implements tea.Model.
func (d Dashboard) View() string {
	var b strings.Builder

	header := titleStyle.Render("relay")
	if !d.loaded && d.err == nil {
		header += " " + d.spinner.View() + labelStyle.Render(" connecting")
	} else if !d.lastFetch.IsZero() {
		header += labelStyle.Render(" updated " + d.lastFetch.Format(time.TimeOnly))
	}
	b.WriteString(header + "\n")

	badges := map[int]string{}
	if n := len(d.pending); n > 0 {
		badges[TabIndexOversight] = fmt.Sprintf("(%d)", n)
	}
	b.WriteString(d.tabs.View(badges) + "\n")

	var body string
	switch d.tabs.Active() {
	case TabIndexCircuits:
		body = d.circuitsView()
	case TabIndexOversight:
		body = d.oversightView()
	default:
		body = d.tasksView()
	}
	b.WriteString(panelStyle.Render(body) + "\n")

	if d.err != nil {
		b.WriteString(errorStyle.Render("error: "+d.err.Error()) + "\n")
	}
	if d.notice != "" {
		b.WriteString(noticeStyle.Render(d.notice) + "\n")
	}
	b.WriteString(d.footer())
	return b.String()
}

func (d Dashboard) tasksView() string {
	if !d.loaded {
		return dimStyle.Render("waiting for first snapshot")
	}
	s := d.status
	var b strings.Builder

	fmt.Fprintf(&b, "%s %d   %s %d/%d\n",
		labelStyle.Render("queued"), s.QueueLength,
		labelStyle.Render("executing"), s.Executing, s.ConcurrencyLimit)
	fmt.Fprintf(&b, "%s %d  %s %d  %s %d  %s %d  %s %d\n",
		labelStyle.Render("completed"), s.Stats.Completed,
		labelStyle.Render("failed"), s.Stats.Failed,
		labelStyle.Render("skipped"), s.Stats.Skipped,
		labelStyle.Render("rejected"), s.Stats.Rejected,
		labelStyle.Render("backups"), s.Stats.BackupDeployments)

	health := s.ComponentHealth
	mem := fmt.Sprintf("memory %.0f%%", health.Memory.Percent)
	if health.ResourcesOK {
		b.WriteString(greenStyle.Render(mem) + "\n")
	} else {
		b.WriteString(redStyle.Render(mem+" "+health.ResourceReason) + "\n")
	}

	b.WriteString("\n")
	if len(s.ActiveTasks) == 0 {
		b.WriteString(dimStyle.Render("no active tasks"))
		return b.String()
	}
	for _, t := range s.ActiveTasks {
		agent := t.AgentType
		if t.AssignedAgent != "" && t.AssignedAgent != t.AgentType {
			agent = t.AgentType + " -> " + t.AssignedAgent
		}
		fmt.Fprintf(&b, "%s %s  %s  %s\n",
			taskStatusStyle(t.Status).Render(fmt.Sprintf("%-15s", t.Status)),
			short(t.ID), agent, truncate(t.Description, 40))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d Dashboard) circuitsView() string {
	if len(d.circuits) == 0 {
		return dimStyle.Render("no circuits")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", labelStyle.Render(fmt.Sprintf("%-22s %-10s %-9s %-8s %s", "agent", "state", "failures", "priority", "next attempt")))
	for _, c := range d.circuits {
		next := "-"
		if c.State == circuit.StateOpen && !c.NextAttemptTime.IsZero() {
			next = c.NextAttemptTime.Format(time.TimeOnly)
		}
		fmt.Fprintf(&b, "%-22s %s %-9s %-8s %s\n",
			c.AgentType,
			circuitStyle(c.State).Render(fmt.Sprintf("%-10s", c.State)),
			fmt.Sprintf("%d/%d", c.FailureCount, c.Config.RetryAttempts),
			c.Config.Priority, next)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d Dashboard) oversightView() string {
	if len(d.pending) == 0 {
		return dimStyle.Render("no pending requests")
	}
	var b strings.Builder
	for i, r := range d.pending {
		line := fmt.Sprintf("%s  %-22s %-8s value=%g  expires %s",
			short(r.ID), r.Operation, r.Severity, r.Value, r.Deadline().Format(time.TimeOnly))
		if i == d.selected {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d Dashboard) footer() string {
	keys := "tab switch  r refresh  q quit"
	if d.tabs.Active() == TabIndexOversight {
		keys = "j/k select  a approve  d deny  " + keys
	}
	return dimStyle.Render(keys)
}

func taskStatusStyle(s models.TaskStatus) lipgloss.Style {
	switch s {
	case models.TaskStatusExecuting:
		return greenStyle
	case models.TaskStatusBackupAssigned:
		return orangeStyle
	case models.TaskStatusFailed, models.TaskStatusRejected:
		return redStyle
	default:
		return grayStyle
	}
}

func circuitStyle(s circuit.State) lipgloss.Style {
	switch s {
	case circuit.StateOpen:
		return redStyle
	case circuit.StateHalfOpen:
		return orangeStyle
	default:
		return greenStyle
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
