package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/server"
	"github.com/ShayCichocki/relay/pkg/models"
)

type fakeSource struct {
	mu        sync.Mutex
	status    orchestrator.WorkflowStatus
	circuits  []server.CircuitView
	pending   []oversight.Request
	statusErr error
	decisions map[string]bool
}

func (f *fakeSource) Status(context.Context) (orchestrator.WorkflowStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeSource) Circuits(context.Context) ([]server.CircuitView, error) {
	return f.circuits, nil
}

func (f *fakeSource) Pending(context.Context) ([]oversight.Request, error) {
	return f.pending, nil
}

func (f *fakeSource) Decide(_ context.Context, id string, approved bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decisions == nil {
		f.decisions = map[string]bool{}
	}
	f.decisions[id] = approved
	return nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status: orchestrator.WorkflowStatus{
			QueueLength:      2,
			Executing:        1,
			ConcurrencyLimit: 4,
			ActiveTasks: []models.Task{{
				ID:            "task-0001-abcdef",
				AgentType:     "precision-editor",
				AssignedAgent: "code-analyzer",
				Description:   "tighten error handling",
				Status:        models.TaskStatusBackupAssigned,
			}},
			ComponentHealth: orchestrator.ComponentHealth{ResourcesOK: true},
		},
		circuits: []server.CircuitView{{
			Circuit: circuit.Circuit{AgentType: "precision-editor", State: circuit.StateOpen, FailureCount: 3},
			Config:  circuit.AgentConfig{RetryAttempts: 3, Priority: models.PriorityHigh},
		}},
		pending: []oversight.Request{
			{ID: "req-aaaaaaaa-1", Operation: oversight.OpCircuitOverride, Severity: oversight.SeverityEmergency, Value: 3, Timeout: time.Minute},
			{ID: "req-bbbbbbbb-2", Operation: oversight.OpMemoryPercent, Severity: oversight.SeverityApprovalRequired, Value: 91, Timeout: time.Minute},
		},
	}
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// loaded runs one fetch against src and feeds the snapshot to a new dashboard.
func loaded(t *testing.T, src Source) Dashboard {
	t.Helper()
	d := NewDashboard(src, time.Second)
	msg := d.fetch(true)()
	m, _ := d.Update(msg)
	return m.(Dashboard)
}

func TestDashboard_Snapshot(t *testing.T) {
	src := newFakeSource()
	d := NewDashboard(src, time.Second)

	m, cmd := d.Update(d.fetch(false)())
	d = m.(Dashboard)
	if !d.loaded {
		t.Fatal("expected dashboard to be loaded")
	}
	if cmd == nil {
		t.Error("expected a scheduled poll after an automatic snapshot")
	}
	if len(d.pending) != 2 || len(d.circuits) != 1 {
		t.Errorf("pending = %d, circuits = %d", len(d.pending), len(d.circuits))
	}

	view := d.View()
	for _, want := range []string{"precision-editor -> code-analyzer", "executing", "Oversight (2)"} {
		if !strings.Contains(view, want) {
			t.Errorf("tasks view missing %q", want)
		}
	}
}

func TestDashboard_ManualRefreshDoesNotSchedule(t *testing.T) {
	d := NewDashboard(newFakeSource(), time.Second)
	_, cmd := d.Update(d.fetch(true)())
	if cmd != nil {
		t.Error("manual refresh should not schedule another poll")
	}
}

func TestDashboard_FetchError(t *testing.T) {
	src := newFakeSource()
	src.statusErr = errors.New("connection refused")
	d := loaded(t, src)

	if d.loaded {
		t.Error("dashboard should not be loaded after a failed fetch")
	}
	if !strings.Contains(d.View(), "connection refused") {
		t.Error("view should show the fetch error")
	}
}

func TestDashboard_SwitchTabs(t *testing.T) {
	d := loaded(t, newFakeSource())

	m, _ := d.Update(tea.KeyMsg{Type: tea.KeyTab})
	d = m.(Dashboard)
	if d.tabs.Active() != TabIndexCircuits {
		t.Fatalf("active tab = %d, want circuits", d.tabs.Active())
	}
	if view := d.View(); !strings.Contains(view, "3/3") || !strings.Contains(view, "open") {
		t.Errorf("circuits view = %q", view)
	}

	m, _ = d.Update(keyRunes("3"))
	d = m.(Dashboard)
	if d.tabs.Active() != TabIndexOversight {
		t.Fatalf("active tab = %d, want oversight", d.tabs.Active())
	}
	if !strings.Contains(d.View(), "circuit_override") {
		t.Error("oversight view missing pending request")
	}
}

func TestDashboard_ApproveAndDeny(t *testing.T) {
	src := newFakeSource()
	d := loaded(t, src)
	d.tabs.SetActive(TabIndexOversight)

	// Approve the first request.
	_, cmd := d.Update(keyRunes("a"))
	if cmd == nil {
		t.Fatal("expected a decision command")
	}
	msg, ok := cmd().(decidedMsg)
	if !ok || !msg.approved || msg.id != "req-aaaaaaaa-1" {
		t.Fatalf("decision = %+v", msg)
	}

	// Select the second and deny it.
	m, _ := d.Update(keyRunes("j"))
	d = m.(Dashboard)
	_, cmd = d.Update(keyRunes("d"))
	if msg := cmd().(decidedMsg); msg.approved || msg.id != "req-bbbbbbbb-2" {
		t.Fatalf("decision = %+v", msg)
	}

	if approved, ok := src.decisions["req-bbbbbbbb-2"]; !src.decisions["req-aaaaaaaa-1"] || !ok || approved {
		t.Errorf("decisions = %v", src.decisions)
	}

	m, cmd = d.Update(decidedMsg{id: "req-bbbbbbbb-2"})
	d = m.(Dashboard)
	if !strings.Contains(d.notice, "denied") {
		t.Errorf("notice = %q", d.notice)
	}
	if cmd == nil {
		t.Error("expected a refresh after a decision")
	}
}

func TestDashboard_DecisionIgnoredOutsideOversight(t *testing.T) {
	src := newFakeSource()
	d := loaded(t, src)

	_, cmd := d.Update(keyRunes("a"))
	if cmd != nil {
		t.Error("'a' on the tasks tab should not decide anything")
	}
}

func TestDashboard_Quit(t *testing.T) {
	d := NewDashboard(newFakeSource(), time.Second)
	_, cmd := d.Update(keyRunes("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestDashboard_SelectionClampedOnShrink(t *testing.T) {
	src := newFakeSource()
	d := loaded(t, src)
	d.selected = 1

	src.pending = src.pending[:1]
	m, _ := d.Update(d.fetch(true)())
	if got := m.(Dashboard).selected; got != 0 {
		t.Errorf("selected = %d, want 0", got)
	}
}

func TestTabBar_SetActiveClamps(t *testing.T) {
	tb := NewTabBar()
	tb.SetActive(-1)
	if tb.Active() != TabIndexTasks {
		t.Errorf("active = %d", tb.Active())
	}
	tb.SetActive(99)
	if tb.Active() != TabIndexOversight {
		t.Errorf("active = %d", tb.Active())
	}

	tb, _ = tb.Update(tea.KeyMsg{Type: tea.KeyTab})
	if tb.Active() != TabIndexTasks {
		t.Errorf("tab should wrap, active = %d", tb.Active())
	}
}
