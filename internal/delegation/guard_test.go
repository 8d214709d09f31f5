package delegation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ShayCichocki/relay/internal/oversight"
)

type fakeApprover struct {
	approve   bool
	err       error
	requests  []oversight.Operation
	values    []float64
	submitted []float64
	ops       []oversight.Operation
}

func (f *fakeApprover) RequestApproval(_ context.Context, op oversight.Operation, value float64, _ map[string]any) (oversight.Decision, error) {
	f.requests = append(f.requests, op)
	f.values = append(f.values, value)
	if f.err != nil {
		return oversight.Decision{DecidedBy: oversight.DecidedByCancelled}, f.err
	}
	return oversight.Decision{Approved: f.approve, DecidedBy: oversight.DecidedByHuman, Reason: "test"}, nil
}

func (f *fakeApprover) Submit(op oversight.Operation, value float64, _ map[string]any) (oversight.Request, oversight.Severity) {
	f.submitted = append(f.submitted, value)
	f.ops = append(f.ops, op)
	return oversight.Request{Operation: op, Value: value}, oversight.SeverityApprovalRequired
}

func chain(t *testing.T, g *Guard, n int) string {
	t.Helper()
	parent := ""
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%d", i)
		if _, err := g.Register(id, parent); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
		parent = id
	}
	return parent
}

func TestRegister_Depth(t *testing.T) {
	g := NewGuard(Config{}, nil, nil)
	leaf := chain(t, g, 3)

	c, ok := g.Get(leaf)
	if !ok || c.Depth != 2 || c.ParentID != "t1" {
		t.Errorf("Get(%s) = %+v, %v", leaf, c, ok)
	}
	root, _ := g.Get("t0")
	if len(root.ActiveSubtasks) != 1 || root.ActiveSubtasks[0] != "t1" {
		t.Errorf("root subtasks = %v", root.ActiveSubtasks)
	}
}

func TestRegister_Errors(t *testing.T) {
	g := NewGuard(Config{}, nil, nil)
	if _, err := g.Register("a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Register("a", ""); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Register = %v", err)
	}
	if _, err := g.Register("b", "ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Register with unknown parent = %v", err)
	}
}

func TestCanDelegate_WithinLimits(t *testing.T) {
	a := &fakeApprover{}
	g := NewGuard(Config{MaxDepth: 3, MaxParallel: 5}, a, nil)
	leaf := chain(t, g, 2)

	ok, reason := g.CanDelegate(context.Background(), leaf, "code-analyzer")
	if !ok {
		t.Fatalf("CanDelegate = false (%s)", reason)
	}
	if len(a.requests) != 0 {
		t.Error("approver consulted within limits")
	}
}

func TestCanDelegate_DepthEscalates(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		err     error
		want    bool
	}{
		{"approved", true, nil, true},
		{"denied", false, nil, false},
		{"aborted", true, context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeApprover{approve: tt.approve, err: tt.err}
			g := NewGuard(Config{MaxDepth: 3, MaxParallel: 100}, a, nil)
			leaf := chain(t, g, 4) // depth 3

			ok, reason := g.CanDelegate(context.Background(), leaf, "x")
			if ok != tt.want {
				t.Errorf("CanDelegate = %v (%s), want %v", ok, reason, tt.want)
			}
			if len(a.requests) != 1 || a.requests[0] != oversight.OpDelegationDepth || a.values[0] != 3 {
				t.Errorf("requests = %v values = %v", a.requests, a.values)
			}
		})
	}
}

func TestCanDelegate_ParallelEscalates(t *testing.T) {
	a := &fakeApprover{approve: false}
	g := NewGuard(Config{MaxDepth: 10, MaxParallel: 2}, a, nil)
	_, _ = g.Register("root", "")
	_, _ = g.Register("c1", "root")
	_, _ = g.Register("c2", "root")

	ok, _ := g.CanDelegate(context.Background(), "root", "x")
	if ok {
		t.Error("CanDelegate allowed past parallel limit")
	}
	if len(a.requests) != 1 || a.requests[0] != oversight.OpParallelDelegations || a.values[0] != 2 {
		t.Errorf("requests = %v values = %v", a.requests, a.values)
	}
	if s := g.Stats(); s.Denied != 1 || s.Escalations != 1 || s.ActiveDelegated != 2 {
		t.Errorf("Stats = %+v", s)
	}

	_ = g.Release("c1")
	if ok, _ := g.CanDelegate(context.Background(), "root", "x"); !ok {
		t.Error("CanDelegate still denied after a release")
	}
}

func TestCanDelegate_NoApproverDenies(t *testing.T) {
	g := NewGuard(Config{MaxDepth: 1}, nil, nil)
	leaf := chain(t, g, 2)
	if ok, _ := g.CanDelegate(context.Background(), leaf, "x"); ok {
		t.Error("CanDelegate allowed without approver")
	}
}

func TestRelease(t *testing.T) {
	a := &fakeApprover{}
	g := NewGuard(Config{}, a, nil)
	_, _ = g.Register("root", "")
	_, _ = g.Register("child", "root")

	if err := g.Release("child"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := g.Get("child"); ok {
		t.Error("child still in arena")
	}
	root, _ := g.Get("root")
	if len(root.ActiveSubtasks) != 0 {
		t.Errorf("root still lists %v", root.ActiveSubtasks)
	}

	if err := g.Release("child"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("second Release = %v", err)
	}
	if err := g.Release("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Release(ghost) = %v", err)
	}
	if len(a.submitted) != 2 || a.submitted[1] != 2 {
		t.Errorf("cleanup failures submitted = %v", a.submitted)
	}
	if s := g.Stats(); s.CleanupFailures != 2 {
		t.Errorf("CleanupFailures = %d", s.CleanupFailures)
	}
}

func TestRelease_ParentFirstLeavesChildUsable(t *testing.T) {
	g := NewGuard(Config{}, nil, nil)
	_, _ = g.Register("root", "")
	_, _ = g.Register("child", "root")

	if err := g.Release("root"); err != nil {
		t.Fatal(err)
	}
	c, ok := g.Get("child")
	if !ok || c.ParentID != "root" || c.Depth != 1 {
		t.Errorf("child = %+v, %v", c, ok)
	}
	if err := g.Release("child"); err != nil {
		t.Errorf("Release(child) after parent = %v", err)
	}
}

func TestRelease_ParentFirstReportsDanglingParents(t *testing.T) {
	a := &fakeApprover{}
	g := NewGuard(Config{}, a, nil)
	_, _ = g.Register("root", "")
	_, _ = g.Register("c1", "root")
	_, _ = g.Register("c2", "root")
	_, _ = g.Register("gc", "c1")

	if err := g.Release("gc"); err != nil {
		t.Fatalf("Release(gc): %v", err)
	}
	if len(a.ops) != 0 {
		t.Fatalf("leaf release reported %v", a.ops)
	}

	if err := g.Release("root"); err != nil {
		t.Fatalf("Release(root): %v", err)
	}
	if len(a.ops) != 1 || a.ops[0] != oversight.OpBackrefCount || a.submitted[0] != 2 {
		t.Errorf("reports = %v values = %v, want one backref_count of 2", a.ops, a.submitted)
	}
	if s := g.Stats(); s.DanglingParents != 2 {
		t.Errorf("DanglingParents = %d, want 2", s.DanglingParents)
	}

	_ = g.Release("c1")
	_ = g.Release("c2")
	if s := g.Stats(); s.DanglingParents != 0 || s.Contexts != 0 {
		t.Errorf("stats after draining = %+v", s)
	}
}
