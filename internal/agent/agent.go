// Package agent defines the contracts between relay and the execution layer
// that actually performs delegated work.
package agent

import (
	"context"
	"errors"
)

// ErrNoRunner indicates an orchestrator was built without an execution layer.
var ErrNoRunner = errors.New("no agent runner configured")

// Runner executes one task on an agent of the given type.
// Implementations must honor ctx cancellation; relay cancels ctx when a task
// times out or a backup takes over.
type Runner interface {
	RunTask(ctx context.Context, agentType, prompt string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, agentType, prompt string) (string, error)

// RunTask calls f.
func (f RunnerFunc) RunTask(ctx context.Context, agentType, prompt string) (string, error) {
	return f(ctx, agentType, prompt)
}

// Process is the optional OS-level resource behind a pooled agent handle.
type Process interface {
	// Alive reports whether the process can still take work.
	Alive() bool
	// MemoryMB is the process's current resident memory estimate.
	MemoryMB() float64
	// Terminate stops the process. It must be safe to call more than once.
	Terminate() error
}

// Spawner creates the Process for a new pooled handle.
type Spawner interface {
	Spawn(agentType string) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(agentType string) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(agentType string) (Process, error) {
	return f(agentType)
}
