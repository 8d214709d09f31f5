package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/server"
)

const fetchTimeout = 5 * time.Second

// Source is the part of the relay API the dashboard reads from.
// *server.Client satisfies it.
type Source interface {
	Status(ctx context.Context) (orchestrator.WorkflowStatus, error)
	Circuits(ctx context.Context) ([]server.CircuitView, error)
	Pending(ctx context.Context) ([]oversight.Request, error)
	Decide(ctx context.Context, id string, approved bool, reason string) error
}

type snapshotMsg struct {
	status   orchestrator.WorkflowStatus
	circuits []server.CircuitView
	pending  []oversight.Request
	err      error
	at       time.Time
	// manual snapshots do not schedule the next poll.
	manual bool
}

type tickMsg struct{}

type decidedMsg struct {
	id       string
	approved bool
	err      error
}

// Dashboard is the bubbletea model for the relay dashboard.
type Dashboard struct {
	source   Source
	interval time.Duration

	tabs    TabBar
	spinner spinner.Model
	width   int
	height  int

	status   orchestrator.WorkflowStatus
	circuits []server.CircuitView
	pending  []oversight.Request
	selected int

	loaded    bool
	lastFetch time.Time
	err       error
	notice    string
}

// NewDashboard creates a dashboard polling source every interval.
func NewDashboard(source Source, interval time.Duration) Dashboard {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Dashboard{
		source:   source,
		interval: interval,
		tabs:     NewTabBar(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

// NewProgram creates a full-screen program running the dashboard.
func NewProgram(source Source, interval time.Duration) *tea.Program {
	return tea.NewProgram(NewDashboard(source, interval), tea.WithAltScreen())
}

// Init implements tea.Model.
func (d Dashboard) Init() tea.Cmd {
	return tea.Batch(d.spinner.Tick, d.fetch(false))
}

// Update implements tea.Model.
func (d Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width, d.height = msg.Width, msg.Height
		return d, nil

	case tea.KeyMsg:
		return d.handleKey(msg)

	case tickMsg:
		return d, d.fetch(false)

	case snapshotMsg:
		d.lastFetch = msg.at
		d.err = msg.err
		if msg.err == nil {
			d.loaded = true
			d.status = msg.status
			d.circuits = msg.circuits
			d.pending = msg.pending
			if d.selected >= len(d.pending) {
				d.selected = max(0, len(d.pending)-1)
			}
		}
		if msg.manual {
			return d, nil
		}
		return d, tea.Tick(d.interval, func(time.Time) tea.Msg { return tickMsg{} })

	case decidedMsg:
		if msg.err != nil {
			d.notice = fmt.Sprintf("decision on %s failed: %v", short(msg.id), msg.err)
			return d, nil
		}
		verb := "denied"
		if msg.approved {
			verb = "approved"
		}
		d.notice = fmt.Sprintf("%s %s", verb, short(msg.id))
		return d, d.fetch(true)

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return d, tea.Quit
	case "r":
		d.notice = ""
		return d, d.fetch(true)
	}

	if d.tabs.Active() == TabIndexOversight {
		switch msg.String() {
		case "up", "k":
			if d.selected > 0 {
				d.selected--
			}
			return d, nil
		case "down", "j":
			if d.selected < len(d.pending)-1 {
				d.selected++
			}
			return d, nil
		case "a", "d":
			if len(d.pending) == 0 {
				return d, nil
			}
			return d, d.decide(d.pending[d.selected].ID, msg.String() == "a")
		}
	}

	var cmd tea.Cmd
	d.tabs, cmd = d.tabs.Update(msg)
	return d, cmd
}

func (d Dashboard) fetch(manual bool) tea.Cmd {
	source := d.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		msg := snapshotMsg{manual: manual, at: time.Now()}
		if msg.status, msg.err = source.Status(ctx); msg.err != nil {
			return msg
		}
		if msg.circuits, msg.err = source.Circuits(ctx); msg.err != nil {
			return msg
		}
		msg.pending, msg.err = source.Pending(ctx)
		return msg
	}
}

func (d Dashboard) decide(id string, approved bool) tea.Cmd {
	source := d.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		err := source.Decide(ctx, id, approved, "decided from dashboard")
		return decidedMsg{id: id, approved: approved, err: err}
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
