package agent

import (
	"context"
	"errors"
	"testing"
)

type recordingReporter struct {
	checkpoints []string
	tools       []string
	errors      []string
}

func (r *recordingReporter) Checkpoint(d string, _ *float64) {
	r.checkpoints = append(r.checkpoints, d)
}
func (r *recordingReporter) ToolUsage(tool string) { r.tools = append(r.tools, tool) }
func (r *recordingReporter) Error(msg string)      { r.errors = append(r.errors, msg) }

func TestRunnerFunc(t *testing.T) {
	var gotType, gotPrompt string
	var r Runner = RunnerFunc(func(_ context.Context, agentType, prompt string) (string, error) {
		gotType, gotPrompt = agentType, prompt
		return "ok", nil
	})

	out, err := r.RunTask(context.Background(), "code-analyzer", "look")
	if err != nil || out != "ok" {
		t.Fatalf("RunTask = %q, %v", out, err)
	}
	if gotType != "code-analyzer" || gotPrompt != "look" {
		t.Errorf("arguments not passed through: %q %q", gotType, gotPrompt)
	}
}

func TestSpawnerFunc(t *testing.T) {
	want := errors.New("no capacity")
	s := SpawnerFunc(func(string) (Process, error) { return nil, want })
	if _, err := s.Spawn("x"); !errors.Is(err, want) {
		t.Errorf("Spawn error = %v, want %v", err, want)
	}
}

func TestReporterFrom(t *testing.T) {
	// Missing reporter is a no-op, never nil.
	ReporterFrom(context.Background()).Checkpoint("ignored", Pct(10))

	rec := &recordingReporter{}
	ctx := WithReporter(context.Background(), rec)
	rep := ReporterFrom(ctx)
	rep.Checkpoint("step", nil)
	rep.ToolUsage("grep")
	rep.Error("bad")

	if len(rec.checkpoints) != 1 || len(rec.tools) != 1 || len(rec.errors) != 1 {
		t.Errorf("reporter calls not recorded: %+v", rec)
	}
}

func TestPct(t *testing.T) {
	if p := Pct(42); p == nil || *p != 42 {
		t.Errorf("Pct(42) = %v", p)
	}
}
