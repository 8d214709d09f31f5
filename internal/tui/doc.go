// Package tui provides the terminal dashboard for a running relay server.
//
// The dashboard polls the server's HTTP API and renders three tabs:
//   - Tasks: queue depth, concurrency limit, counters and active tasks
//   - Circuits: per agent type breaker state and failure counts
//   - Oversight: approval requests waiting for a human decision
//
// Pending oversight requests can be approved with 'a' or denied with 'd'.
// Quit with 'q' or Ctrl+C.
//
// Usage:
//
//	program := tui.NewProgram(server.NewClient(addr), 2*time.Second)
//	if _, err := program.Run(); err != nil {
//	    return err
//	}
package tui
