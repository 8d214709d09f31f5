// Package orchestrator turns submitted tasks into monitored agent runs.
//
// A submission passes admission (delegation limits, the agent type's
// circuit, backup resolution, skip or oversight override) and then waits in a
// FIFO queue. A dispatcher starts at most MaxConcurrentTasks runs at a time,
// lowering that limit while the resource gate reports pressure. Each run
// holds a pooled agent handle and a progress session; stall, timeout and
// error events from the progress tracker drive recovery:
//   - first stall: the agent is nudged once
//   - second stall or timeout: the run is cancelled and a backup deployed
//   - error on a critical-path task: a backup is deployed if none is yet
//
// Outcomes are recorded on the circuit of the agent type that actually ran,
// and every terminal task is written to the ledger.
//
// Example usage:
//
//	orch := orchestrator.New(orchestrator.RequiredConfig{Runner: runner},
//		orchestrator.WithLogger(logger))
//	go orch.Start(ctx)
//	sub, err := orch.Submit(ctx, orchestrator.SubmitRequest{
//		AgentType:   "code-analyzer",
//		Description: "Find unused exports in pkg/",
//	})
package orchestrator
