package circuit

import (
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/pkg/models"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	return NewRegistry(nil, clk), clk
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 30 * time.Second},
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second},
		{10, 300 * time.Second},
		{1000, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestBackoff_NonDecreasing(t *testing.T) {
	prev := Backoff(0)
	for n := 1; n < 100; n++ {
		got := Backoff(n)
		if got < prev {
			t.Fatalf("Backoff(%d) = %v < Backoff(%d) = %v", n, got, n-1, prev)
		}
		if got > MaxBackoff {
			t.Fatalf("Backoff(%d) = %v exceeds cap", n, got)
		}
		prev = got
	}
}

func TestRegistry_UnknownTypeIsClosed(t *testing.T) {
	r, _ := newTestRegistry(t)

	ok, reason := r.CanExecute("never-seen")
	if !ok {
		t.Fatalf("CanExecute on fresh type = false (%s)", reason)
	}
	if got := r.Snapshot("never-seen").State; got != StateClosed {
		t.Errorf("state = %q, want %q", got, StateClosed)
	}
}

func TestRegistry_OpensAfterRetryAttempts(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{Priority: models.PriorityMedium, RetryAttempts: 2, CanSkip: true})

	r.RecordFailure("T", "boom")
	if ok, _ := r.CanExecute("T"); !ok {
		t.Fatal("circuit opened after a single failure")
	}
	r.RecordFailure("T", "boom again")

	ok, reason := r.CanExecute("T")
	if ok {
		t.Fatal("CanExecute = true right after opening")
	}
	if !strings.Contains(reason, "2 failures") {
		t.Errorf("reason %q does not mention the failure count", reason)
	}

	snap := r.Snapshot("T")
	if snap.State != StateOpen {
		t.Fatalf("state = %q, want open", snap.State)
	}
	if want := epoch.Add(Backoff(2)); !snap.NextAttemptTime.Equal(want) {
		t.Errorf("NextAttemptTime = %v, want %v", snap.NextAttemptTime, want)
	}

	clk.Advance(Backoff(2) + time.Second)
	if ok, reason := r.CanExecute("T"); !ok {
		t.Fatalf("CanExecute after backoff = false (%s)", reason)
	}
	if got := r.Snapshot("T").State; got != StateHalfOpen {
		t.Errorf("state = %q, want half_open", got)
	}
}

func TestRegistry_HalfOpenAtExactNextAttemptTimeGrantsOneProbe(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 1})

	r.RecordFailure("T", "x")
	next := r.Snapshot("T").NextAttemptTime
	clk.Set(next)

	if ok, _ := r.CanExecute("T"); !ok {
		t.Fatal("CanExecute at exactly NextAttemptTime = false")
	}
	if ok, _ := r.CanExecute("T"); ok {
		t.Fatal("second CanExecute while probe in flight = true")
	}
	if r.IsExecutable("T") {
		t.Error("IsExecutable while probe in flight = true")
	}

	r.RecordSuccess("T")
	snap := r.Snapshot("T")
	if snap.State != StateClosed || snap.FailureCount != 0 {
		t.Errorf("after success: state=%q failures=%d, want closed/0", snap.State, snap.FailureCount)
	}
	if ok, _ := r.CanExecute("T"); !ok {
		t.Error("CanExecute after probe success = false")
	}
}

func TestRegistry_ReleaseProbe(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 1})

	r.ReleaseProbe("T")
	if got := r.Snapshot("T").State; got != StateClosed {
		t.Fatalf("ReleaseProbe on closed circuit changed state to %q", got)
	}

	r.RecordFailure("T", "x")
	clk.Set(r.Snapshot("T").NextAttemptTime)
	if ok, _ := r.CanExecute("T"); !ok {
		t.Fatal("probe not granted")
	}
	r.ReleaseProbe("T")

	snap := r.Snapshot("T")
	if snap.State != StateHalfOpen || snap.ProbeInFlight {
		t.Errorf("after release: state=%q probe=%v, want half_open without probe", snap.State, snap.ProbeInFlight)
	}
	if ok, _ := r.CanExecute("T"); !ok {
		t.Error("released probe should be granted again")
	}
}

func TestRegistry_FailedProbeReopensWithLongerBackoff(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 2})

	r.RecordFailure("T", "a")
	r.RecordFailure("T", "b")
	clk.Advance(Backoff(2))
	if ok, _ := r.CanExecute("T"); !ok {
		t.Fatal("probe not granted")
	}

	r.RecordFailure("T", "probe failed")
	snap := r.Snapshot("T")
	if snap.State != StateOpen {
		t.Fatalf("state = %q, want open", snap.State)
	}
	if snap.FailureCount != 3 {
		t.Errorf("FailureCount = %d, want 3", snap.FailureCount)
	}
	if want := clk.Now().Add(Backoff(3)); !snap.NextAttemptTime.Equal(want) {
		t.Errorf("NextAttemptTime = %v, want %v", snap.NextAttemptTime, want)
	}
}

func TestRegistry_IsExecutableDoesNotTransition(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 1})
	r.RecordFailure("T", "x")

	if r.IsExecutable("T") {
		t.Fatal("IsExecutable on open circuit = true")
	}
	clk.Advance(MaxBackoff)
	if !r.IsExecutable("T") {
		t.Fatal("IsExecutable after backoff = false")
	}
	if got := r.Snapshot("T").State; got != StateOpen {
		t.Errorf("IsExecutable changed state to %q", got)
	}
}

func TestRegistry_TryAcquireHoldsHalfOpenTrial(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 1})

	if ok, probe := r.TryAcquire("T"); !ok || probe {
		t.Fatalf("TryAcquire on closed circuit = %v, %v; want true, false", ok, probe)
	}

	r.RecordFailure("T", "x")
	clk.Advance(MaxBackoff)

	ok, probe := r.TryAcquire("T")
	if !ok || !probe {
		t.Fatalf("TryAcquire after backoff = %v, %v; want true, true", ok, probe)
	}
	if snap := r.Snapshot("T"); snap.State != StateHalfOpen || !snap.ProbeInFlight {
		t.Errorf("after TryAcquire state = %q probe = %v", snap.State, snap.ProbeInFlight)
	}
	if ok, _ := r.CanExecute("T"); ok {
		t.Error("CanExecute granted a second probe")
	}

	r.ReleaseProbe("T")
	if ok, probe := r.TryAcquire("T"); !ok || !probe {
		t.Errorf("TryAcquire after release = %v, %v; want true, true", ok, probe)
	}
}

func TestRegistry_TotalAttemptsAndFailureLog(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.RecordSuccess("A")
	r.RecordFailure("A", "first")
	r.RecordFailure("B", "second")

	if got := r.Snapshot("A").TotalAttempts; got != 2 {
		t.Errorf("TotalAttempts = %d, want 2", got)
	}
	log := r.FailureLog()
	if len(log) != 2 {
		t.Fatalf("len(FailureLog) = %d, want 2", len(log))
	}
	if log[0].Reason != "first" || log[1].AgentType != "B" {
		t.Errorf("FailureLog order wrong: %+v", log)
	}

	for i := 0; i < maxFailureLog+10; i++ {
		r.RecordFailure("C", "spam")
	}
	if got := len(r.FailureLog()); got != maxFailureLog {
		t.Errorf("failure log not bounded: %d", got)
	}
}

func TestRegistry_Reset(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 1})
	r.RecordFailure("T", "x")

	r.Reset("T")
	if ok, _ := r.CanExecute("T"); !ok {
		t.Error("CanExecute after Reset = false")
	}
}

func TestRegistry_Stats(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("open", AgentConfig{RetryAttempts: 1})
	r.SetConfig("half", AgentConfig{RetryAttempts: 1})

	r.RecordSuccess("closed")
	r.RecordFailure("open", "x")
	r.RecordFailure("half", "x")
	clk.Advance(Backoff(1))
	r.CanExecute("half")

	s := r.Stats()
	if s.Total != 3 || s.Closed != 1 || s.HalfOpen != 1 {
		t.Errorf("Stats = %+v", s)
	}
	// "open" is due too but nobody asked, so it stays open.
	if s.Open != 1 {
		t.Errorf("Open = %d, want 1", s.Open)
	}
}

func TestRegistry_Observer(t *testing.T) {
	r, _ := newTestRegistry(t)
	var seen []State
	r.SetObserver(func(c Circuit) { seen = append(seen, c.State) })

	r.SetConfig("T", AgentConfig{RetryAttempts: 1})
	r.RecordFailure("T", "x")
	r.RecordSuccess("T")

	if len(seen) != 2 || seen[0] != StateOpen || seen[1] != StateClosed {
		t.Errorf("observer saw %v", seen)
	}
}

func TestRegistry_ConcurrentProbeGrantedOnce(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{RetryAttempts: 1})
	r.RecordFailure("T", "x")
	clk.Advance(MaxBackoff)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.CanExecute("T"); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 1 {
		t.Errorf("probe granted %d times, want 1", granted)
	}
}

func TestRegistry_ConfigDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)

	sec := r.Config("security-fixer")
	if sec.Priority != models.PriorityCritical || sec.CanSkip || !sec.RequiresManualIntervention {
		t.Errorf("security-fixer config = %+v", sec)
	}
	if sec.RetryAttempts <= r.Config("general-purpose").RetryAttempts {
		t.Error("critical agent should tolerate more failures")
	}

	unknown := r.Config("mystery")
	if !reflect.DeepEqual(unknown, DefaultAgentConfig()) {
		t.Errorf("unknown config = %+v, want default", unknown)
	}
}

func TestRegistry_SetConfigNormalizes(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetConfig("T", AgentConfig{Priority: models.PriorityCritical, CanSkip: true})

	cfg := r.Config("T")
	if cfg.CanSkip {
		t.Error("critical agent config kept CanSkip=true")
	}
	if cfg.RetryAttempts != 3 || cfg.Timeout() != 600*time.Second {
		t.Errorf("zero fields not defaulted: %+v", cfg)
	}
}

func TestRegistry_SaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit_config.json")

	r, _ := newTestRegistry(t)
	r.SetConfig("custom", AgentConfig{Priority: models.PriorityHigh, RetryAttempts: 7, BackupAgents: []string{"general-purpose"}})
	if err := r.SaveConfig(path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	r2, _ := newTestRegistry(t)
	if err := r2.LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	got := r2.Config("custom")
	if got.RetryAttempts != 7 || len(got.BackupAgents) != 1 {
		t.Errorf("loaded config = %+v", got)
	}
}

func TestRegistry_LoadConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		setup func() string
	}{
		{"missing", func() string { return filepath.Join(dir, "nope.json") }},
		{"corrupt", func() string {
			p := filepath.Join(dir, "bad.json")
			writeFile(t, p, "{not json")
			return p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			r.SetConfig("custom", AgentConfig{RetryAttempts: 9})

			if err := r.LoadConfig(tt.setup()); err == nil {
				t.Fatal("LoadConfig returned nil error")
			}
			if _, ok := r.Configs()["security-fixer"]; !ok {
				t.Error("built-in defaults not restored")
			}
			if _, ok := r.Configs()["custom"]; ok {
				t.Error("stale config survived a failed load")
			}
		})
	}
}
