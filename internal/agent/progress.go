package agent

import "context"

// Reporter lets a Runner feed checkpoints back to the progress monitor while
// it works. Every checkpoint resets the stall clock of the running task.
type Reporter interface {
	Checkpoint(description string, pct *float64)
	ToolUsage(tool string)
	Error(message string)
}

type reporterKey struct{}

// WithReporter attaches r to ctx.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom returns the Reporter attached to ctx, or a no-op reporter.
func ReporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		return r
	}
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Checkpoint(string, *float64) {}
func (nopReporter) ToolUsage(string)            {}
func (nopReporter) Error(string)                {}

// Pct is a convenience for building an optional progress percentage.
func Pct(v float64) *float64 { return &v }
