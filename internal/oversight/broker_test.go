package oversight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/relay/internal/clock"
)

func newTestBroker(t *testing.T, failOpen bool) *Broker {
	t.Helper()
	return NewBroker(Config{FailOpen: failOpen}, nil, nil, nil)
}

func TestPolicy_Evaluate(t *testing.T) {
	p := Policy{Operation: "x", Low: 2, High: 4}.normalized()

	tests := []struct {
		value float64
		want  Severity
	}{
		{0, SeverityInfo},
		{1.9, SeverityInfo},
		{2, SeverityWarning},
		{3.9, SeverityWarning},
		{4, SeverityApprovalRequired},
		{7.9, SeverityApprovalRequired},
		{8, SeverityEmergency},
		{100, SeverityEmergency},
	}
	for _, tt := range tests {
		if got := p.Evaluate(tt.value); got != tt.want {
			t.Errorf("Evaluate(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{Low: 5, High: 3}.normalized()
	if p.High != 5 || p.Emergency != 10 || p.Timeout != defaultTimeout {
		t.Errorf("normalized = %+v", p)
	}
}

func TestBroker_UnknownOperationNeedsApproval(t *testing.T) {
	b := newTestBroker(t, true)
	if got := b.Evaluate("mystery", 0); got != SeverityApprovalRequired {
		t.Errorf("Evaluate(unknown) = %v", got)
	}
}

func TestRequestApproval_BelowThresholdApprovedByPolicy(t *testing.T) {
	b := newTestBroker(t, false)

	for _, value := range []float64{0, 2} {
		d, err := b.RequestApproval(context.Background(), OpDelegationDepth, value, nil)
		if err != nil {
			t.Fatalf("RequestApproval: %v", err)
		}
		if !d.Approved || d.DecidedBy != DecidedByPolicy {
			t.Errorf("value %v: decision = %+v", value, d)
		}
	}
	if len(b.Pending()) != 0 {
		t.Error("policy decision left a pending request")
	}
	// Only the warning-level call is recorded.
	if got := len(b.History()); got != 1 {
		t.Errorf("History len = %d, want 1", got)
	}
}

func TestRequestApproval_HumanDecision(t *testing.T) {
	b := newTestBroker(t, true)
	b.SetPolicy(Policy{Operation: OpDelegationDepth, Low: 1, High: 3, Timeout: 5 * time.Second})

	go func() {
		req := <-b.Requests()
		if err := b.Decide(req.ID, false, "too deep"); err != nil {
			t.Errorf("Decide: %v", err)
		}
	}()

	d, err := b.RequestApproval(context.Background(), OpDelegationDepth, 3, map[string]any{"task_id": "t1"})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if d.Approved || d.DecidedBy != DecidedByHuman || d.Reason != "too deep" {
		t.Errorf("decision = %+v", d)
	}
}

func TestRequestApproval_TimeoutBoundsWait(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
	}{
		{"fail open", true},
		{"fail closed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t, tt.failOpen)
			const timeout = 50 * time.Millisecond
			b.SetPolicy(Policy{Operation: OpMemoryPercent, Low: 10, High: 20, Timeout: timeout})

			start := time.Now()
			d, err := b.RequestApproval(context.Background(), OpMemoryPercent, 99, nil)
			elapsed := time.Since(start)

			if err != nil {
				t.Fatalf("RequestApproval: %v", err)
			}
			if elapsed > timeout+time.Second {
				t.Errorf("RequestApproval took %v, want about %v", elapsed, timeout)
			}
			if d.DecidedBy != DecidedByTimeout || d.Approved != tt.failOpen {
				t.Errorf("decision = %+v", d)
			}
			if len(b.Pending()) != 0 {
				t.Error("timed out request still pending")
			}
		})
	}
}

func TestRequestApproval_AutoApprove(t *testing.T) {
	b := newTestBroker(t, false)
	b.SetPolicy(Policy{Operation: OpParallelDelegations, Low: 1, High: 2, Timeout: 5 * time.Second, AutoApproveAfter: 20 * time.Millisecond})

	d, err := b.RequestApproval(context.Background(), OpParallelDelegations, 2, nil)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !d.Approved || d.DecidedBy != DecidedByAutoApprove {
		t.Errorf("decision = %+v", d)
	}
}

func TestRequestApproval_ContextCancel(t *testing.T) {
	b := newTestBroker(t, true)
	b.SetPolicy(Policy{Operation: OpCircuitOverride, High: 1, Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.Requests()
		cancel()
	}()

	d, err := b.RequestApproval(ctx, OpCircuitOverride, 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if d.Approved || d.DecidedBy != DecidedByCancelled {
		t.Errorf("decision = %+v", d)
	}
}

func TestDecide_FirstDecisionWins(t *testing.T) {
	b := newTestBroker(t, true)
	b.SetPolicy(Policy{Operation: OpCleanupFailures, Low: 1, High: 2, Timeout: time.Minute})

	req, sev := b.Submit(OpCleanupFailures, 3, nil)
	if !sev.NeedsApproval() {
		t.Fatalf("severity = %v", sev)
	}

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			results <- b.Decide(req.ID, approve, "")
		}(i%2 == 0)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d decisions accepted, want 1", ok)
	}
	if got := len(b.History()); got != 1 {
		t.Errorf("History len = %d, want 1", got)
	}
}

func TestSweep_ResolvesExpiredSubmissions(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBroker(Config{FailOpen: false}, nil, clk, nil)
	b.SetPolicy(Policy{Operation: OpCleanupFailures, Low: 1, High: 2, Timeout: time.Minute})
	b.SetPolicy(Policy{Operation: OpBackrefCount, Low: 1, High: 2, Timeout: time.Hour, AutoApproveAfter: 10 * time.Second})

	b.Submit(OpCleanupFailures, 5, nil)
	b.Submit(OpBackrefCount, 5, nil)

	if n := b.Sweep(); n != 0 {
		t.Fatalf("Sweep resolved %d before deadlines", n)
	}
	clk.Advance(11 * time.Second)
	if n := b.Sweep(); n != 1 {
		t.Fatalf("Sweep after grace period resolved %d, want 1", n)
	}
	clk.Advance(time.Minute)
	if n := b.Sweep(); n != 1 {
		t.Fatalf("Sweep after timeout resolved %d, want 1", n)
	}

	hist := b.History()
	if hist[0].Decision.DecidedBy != DecidedByAutoApprove || !hist[0].Decision.Approved {
		t.Errorf("first decision = %+v", hist[0].Decision)
	}
	if hist[1].Decision.DecidedBy != DecidedByTimeout || hist[1].Decision.Approved {
		t.Errorf("fail-closed timeout decision = %+v", hist[1].Decision)
	}
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oversight_policies.yaml")
	content := `
policies:
  - operation: delegation_depth
    low: 4
    high: 6
    timeout: 90s
    auto_approve_after: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	b := newTestBroker(t, true)
	if err := b.LoadPolicies(path); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}
	p := b.Policy(OpDelegationDepth)
	if p.Low != 4 || p.High != 6 || p.Emergency != 12 || p.Timeout != 90*time.Second || p.AutoApproveAfter != 30*time.Second {
		t.Errorf("policy = %+v", p)
	}
	if b.Policy(OpMemoryPercent).High != 85 {
		t.Error("unlisted policy lost its default")
	}
}

func TestLoadPolicies_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"malformed":    "policies: [",
		"no operation": "policies:\n  - low: 1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			b := newTestBroker(t, true)
			if err := b.LoadPolicies(path); err == nil {
				t.Error("LoadPolicies returned nil")
			}
			if b.Policy(OpDelegationDepth).High != 3 {
				t.Error("defaults changed by failed load")
			}
		})
	}
}

func TestSeverity_String(t *testing.T) {
	if SeverityEmergency.String() != "emergency" || Severity(42).String() != "severity(42)" {
		t.Error("unexpected severity names")
	}
}

func TestSeverity_TextRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityApprovalRequired, SeverityEmergency} {
		text, _ := s.MarshalText()
		var got Severity
		if err := got.UnmarshalText(text); err != nil || got != s {
			t.Errorf("UnmarshalText(%q) = %v, %v", text, got, err)
		}
	}
	var s Severity
	if err := s.UnmarshalText([]byte("catastrophic")); err == nil {
		t.Error("expected error for unknown severity")
	}
}
