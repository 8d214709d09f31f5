// Package resource reports memory pressure to the dispatcher.
package resource

import (
	"fmt"
	"runtime"
	"sync"
)

// MemoryUsage is a point-in-time memory reading.
type MemoryUsage struct {
	ProcessMemoryMB float64 `json:"process_memory_mb"`
	AvailableMB     float64 `json:"available_mb"`
	Percent         float64 `json:"percent"`
}

// Gate reports whether the system can take more work.
type Gate interface {
	CheckSystemResources() (bool, string)
	MonitorMemoryUsage() MemoryUsage
}

// RuntimeGate measures the Go runtime's own memory against a fixed budget.
type RuntimeGate struct {
	// LimitMB is the memory budget for the process.
	LimitMB float64
	// MaxPercent of LimitMB above which the gate reports pressure.
	MaxPercent float64

	read func(*runtime.MemStats)
}

// NewRuntimeGate returns a gate with the given budget.
func NewRuntimeGate(limitMB, maxPercent float64) *RuntimeGate {
	if limitMB <= 0 {
		limitMB = 4096
	}
	if maxPercent <= 0 || maxPercent > 100 {
		maxPercent = 85
	}
	return &RuntimeGate{LimitMB: limitMB, MaxPercent: maxPercent, read: runtime.ReadMemStats}
}

// MonitorMemoryUsage reads runtime memory statistics.
func (g *RuntimeGate) MonitorMemoryUsage() MemoryUsage {
	var ms runtime.MemStats
	g.read(&ms)
	used := float64(ms.Sys-ms.HeapReleased) / (1024 * 1024)
	avail := g.LimitMB - used
	if avail < 0 {
		avail = 0
	}
	return MemoryUsage{
		ProcessMemoryMB: used,
		AvailableMB:     avail,
		Percent:         used / g.LimitMB * 100,
	}
}

// CheckSystemResources reports false when usage exceeds MaxPercent.
func (g *RuntimeGate) CheckSystemResources() (bool, string) {
	u := g.MonitorMemoryUsage()
	if u.Percent > g.MaxPercent {
		return false, fmt.Sprintf("memory at %.1f%% of %.0fMB budget (limit %.0f%%)", u.Percent, g.LimitMB, g.MaxPercent)
	}
	return true, fmt.Sprintf("memory at %.1f%%", u.Percent)
}

// StaticGate is a Gate whose readings are set by the caller.
type StaticGate struct {
	mu     sync.Mutex
	usage  MemoryUsage
	ok     bool
	reason string
}

// NewStaticGate returns a gate that reports no pressure.
func NewStaticGate() *StaticGate {
	return &StaticGate{ok: true, reason: "ok"}
}

// Set changes the gate's readings.
func (g *StaticGate) Set(ok bool, reason string, usage MemoryUsage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ok, g.reason, g.usage = ok, reason, usage
}

// CheckSystemResources returns the last Set values.
func (g *StaticGate) CheckSystemResources() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ok, g.reason
}

// MonitorMemoryUsage returns the last Set usage.
func (g *StaticGate) MonitorMemoryUsage() MemoryUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}
