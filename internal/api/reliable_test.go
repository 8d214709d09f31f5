package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/metrics"
)

func testReliableConfig() ReliableConfig {
	return ReliableConfig{
		Attempts:    3,
		BaseDelay:   time.Millisecond,
		TripAfter:   2,
		OpenTimeout: time.Hour,
	}
}

func TestReliableRunner_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	next := agent.RunnerFunc(func(ctx context.Context, agentType, prompt string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	reg := prometheus.NewRegistry()
	r := NewReliableRunner(next, testReliableConfig(), nil, metrics.NewMetrics(reg))

	out, err := r.RunTask(context.Background(), "code-analyzer", "x")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if out != "ok" || calls.Load() != 3 {
		t.Errorf("out=%q calls=%d, want ok after 3 calls", out, calls.Load())
	}
	if got := runnerCalls(t, reg, "retry"); got != 2 {
		t.Errorf("retry metric = %v, want 2", got)
	}
	if got := runnerCalls(t, reg, "ok"); got != 1 {
		t.Errorf("ok metric = %v, want 1", got)
	}
}

func runnerCalls(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "relay_runner_calls_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReliableRunner_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	next := agent.RunnerFunc(func(ctx context.Context, agentType, prompt string) (string, error) {
		calls.Add(1)
		return "", &PermanentError{Err: errors.New("task rejected by agent")}
	})

	r := NewReliableRunner(next, testReliableConfig(), nil, nil)
	if _, err := r.RunTask(context.Background(), "code-analyzer", "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if r.State() != gobreaker.StateClosed.String() {
		t.Errorf("permanent errors should not trip the breaker, state = %s", r.State())
	}
}

func TestReliableRunner_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	next := agent.RunnerFunc(func(ctx context.Context, agentType, prompt string) (string, error) {
		calls.Add(1)
		return "", errors.New("upstream unavailable")
	})

	cfg := testReliableConfig()
	cfg.Attempts = 1
	r := NewReliableRunner(next, cfg, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.RunTask(context.Background(), "code-analyzer", "x"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if r.State() != gobreaker.StateOpen.String() {
		t.Fatalf("state = %s, want open", r.State())
	}

	_, err := r.RunTask(context.Background(), "code-analyzer", "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, open breaker should short-circuit", calls.Load())
	}
}

func TestReliableRunner_CancelledContext(t *testing.T) {
	var calls atomic.Int32
	next := agent.RunnerFunc(func(ctx context.Context, agentType, prompt string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})

	r := NewReliableRunner(next, testReliableConfig(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := r.RunTask(ctx, "code-analyzer", "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, cancellation must not be retried", calls.Load())
	}
	if r.State() != gobreaker.StateClosed.String() {
		t.Errorf("cancellation should not count against the breaker, state = %s", r.State())
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"empty", ErrEmptyResponse, false},
		{"permanent", &PermanentError{Err: errors.New("x")}, false},
		{"network", errors.New("dial tcp: refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transient(tt.err); got != tt.want {
				t.Errorf("transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
