package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Tab index constants.
const (
	TabIndexTasks = iota
	TabIndexCircuits
	TabIndexOversight
)

var defaultTabs = []string{"Tasks", "Circuits", "Oversight"}

// TabBar switches between the dashboard views.
type TabBar struct {
	tabs   []string
	active int

	activeStyle   lipgloss.Style
	inactiveStyle lipgloss.Style
	barStyle      lipgloss.Style
}

// NewTabBar creates a TabBar with the dashboard tabs.
func NewTabBar() TabBar {
	return TabBar{
		tabs:   defaultTabs,
		active: TabIndexTasks,

		activeStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Background(lipgloss.Color("236")).
			Padding(0, 2),

		inactiveStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Padding(0, 2),

		barStyle: lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
	}
}

// Update handles tab navigation keys.
func (t TabBar) Update(msg tea.Msg) (TabBar, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "tab":
			t.active = (t.active + 1) % len(t.tabs)
		case "shift+tab":
			t.active = (t.active - 1 + len(t.tabs)) % len(t.tabs)
		case "1":
			t.SetActive(TabIndexTasks)
		case "2":
			t.SetActive(TabIndexCircuits)
		case "3":
			t.SetActive(TabIndexOversight)
		}
	}
	return t, nil
}

// View renders the tab bar. Labels may carry a badge such as a pending count.
func (t TabBar) View(badges map[int]string) string {
	rendered := make([]string, 0, len(t.tabs))
	for i, tab := range t.tabs {
		label := tab
		if b := badges[i]; b != "" {
			label += " " + b
		}
		if i == t.active {
			rendered = append(rendered, t.activeStyle.Render(label))
		} else {
			rendered = append(rendered, t.inactiveStyle.Render(label))
		}
	}
	return t.barStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top, rendered...))
}

// SetActive sets the active tab, clamped to the valid range.
func (t *TabBar) SetActive(index int) {
	switch {
	case index < 0:
		t.active = 0
	case index >= len(t.tabs):
		t.active = len(t.tabs) - 1
	default:
		t.active = index
	}
}

// Active returns the active tab index.
func (t TabBar) Active() int {
	return t.active
}

// Tabs returns the tab labels.
func (t TabBar) Tabs() []string {
	return t.tabs
}
