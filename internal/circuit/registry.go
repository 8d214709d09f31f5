// Package circuit implements per-agent-type circuit breakers with exponential backoff.
//
// Each agent type has its own circuit with three states:
//
//   - Closed: tasks are dispatched, consecutive failures are counted
//   - Open: dispatch is refused until NextAttemptTime
//   - HalfOpen: exactly one probe task is let through to test recovery
//
// Circuits are created lazily on first reference and live for the process
// lifetime. Transitions of one agent type are linearized by that circuit's lock.
package circuit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/store"
)

// State is the state of one circuit.
type State string

const (
	// StateClosed allows dispatch.
	StateClosed State = "closed"
	// StateOpen refuses dispatch until the backoff elapses.
	StateOpen State = "open"
	// StateHalfOpen allows a single probe.
	StateHalfOpen State = "half_open"
)

const (
	// BaseBackoff is the backoff unit doubled per consecutive failure.
	BaseBackoff = 30 * time.Second
	// MaxBackoff caps the backoff.
	MaxBackoff = 300 * time.Second

	maxFailureLog = 200
)

// Backoff returns min(MaxBackoff, BaseBackoff*2^n).
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 30s*2^4 already exceeds the cap; stop shifting before it overflows.
	if n >= 4 {
		return MaxBackoff
	}
	d := BaseBackoff << uint(n)
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Circuit is a snapshot of one agent type's breaker.
type Circuit struct {
	AgentType       string    `json:"agent_type"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	TotalAttempts   int       `json:"total_attempts"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
	ProbeInFlight   bool      `json:"probe_in_flight"`
}

// FailureRecord is one entry in the failure log.
type FailureRecord struct {
	AgentType    string    `json:"agent_type"`
	Reason       string    `json:"reason"`
	FailureCount int       `json:"failure_count"`
	At           time.Time `json:"at"`
}

// OpenError describes a refused dispatch.
type OpenError struct {
	AgentType    string
	FailureCount int
	RetryAt      time.Time
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s after %d failures (retry at %s)",
		e.AgentType, e.FailureCount, e.RetryAt.Format(time.RFC3339))
}

type circuit struct {
	mu sync.Mutex
	Circuit
}

// Registry tracks one circuit per agent type.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	configs  map[string]AgentConfig

	logMu      sync.Mutex
	failureLog []FailureRecord

	observer func(Circuit)

	clock  clock.Clock
	logger *zap.Logger
}

// NewRegistry creates a registry loaded with the built-in agent configs.
func NewRegistry(logger *zap.Logger, clk clock.Clock) *Registry {
	return &Registry{
		circuits: make(map[string]*circuit),
		configs:  DefaultConfigs(),
		clock:    clock.OrReal(clk),
		logger:   logging.OrNop(logger).Named("circuit"),
	}
}

// SetObserver registers fn to receive a snapshot after every state change.
// fn is called without any registry lock held.
func (r *Registry) SetObserver(fn func(Circuit)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// CanExecute reports whether a task may be dispatched to agentType.
// An Open circuit whose backoff has elapsed moves to HalfOpen and grants the
// single probe; further calls are refused until the probe's outcome is recorded.
func (r *Registry) CanExecute(agentType string) (bool, string) {
	allowed, _, reason := r.acquire(agentType)
	return allowed, reason
}

// TryAcquire is CanExecute for callers that must know whether they now hold
// the half-open probe. A holder that never runs gives it back with ReleaseProbe.
func (r *Registry) TryAcquire(agentType string) (allowed, probe bool) {
	allowed, probe, _ = r.acquire(agentType)
	return allowed, probe
}

func (r *Registry) acquire(agentType string) (allowed, probe bool, reason string) {
	c := r.getOrCreate(agentType)
	now := r.clock.Now()

	c.mu.Lock()
	changed := false
	switch c.State {
	case StateClosed:
		allowed, reason = true, "circuit closed"
	case StateOpen:
		if !now.Before(c.NextAttemptTime) {
			c.State = StateHalfOpen
			c.ProbeInFlight = true
			allowed, probe, reason, changed = true, true, "backoff elapsed, probing", true
		} else {
			err := &OpenError{AgentType: agentType, FailureCount: c.FailureCount, RetryAt: c.NextAttemptTime}
			reason = err.Error()
		}
	case StateHalfOpen:
		if c.ProbeInFlight {
			reason = fmt.Sprintf("circuit half-open for %s, probe already in flight (%d failures)", agentType, c.FailureCount)
		} else {
			c.ProbeInFlight = true
			allowed, probe, reason = true, true, "half-open probe"
		}
	}
	snap := c.Circuit
	c.mu.Unlock()

	if changed {
		r.logger.Info("circuit half-open", zap.String("agent_type", agentType), zap.Int("failures", snap.FailureCount))
		r.notify(snap)
	}
	return allowed, probe, reason
}

// IsExecutable reports whether agentType could take work right now without
// changing any state or consuming the half-open probe.
func (r *Registry) IsExecutable(agentType string) bool {
	r.mu.RLock()
	c, ok := r.circuits[agentType]
	r.mu.RUnlock()
	if !ok {
		return true
	}

	now := r.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State {
	case StateOpen:
		return !now.Before(c.NextAttemptTime)
	case StateHalfOpen:
		return !c.ProbeInFlight
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (r *Registry) RecordSuccess(agentType string) {
	c := r.getOrCreate(agentType)
	now := r.clock.Now()

	c.mu.Lock()
	changed := c.State != StateClosed
	c.State = StateClosed
	c.FailureCount = 0
	c.TotalAttempts++
	c.LastSuccessTime = now
	c.NextAttemptTime = time.Time{}
	c.ProbeInFlight = false
	snap := c.Circuit
	c.mu.Unlock()

	if changed {
		r.logger.Info("circuit closed", zap.String("agent_type", agentType))
	}
	r.notify(snap)
}

// RecordFailure counts a failure and opens the circuit once the agent type's
// RetryAttempts threshold is reached. A failed half-open probe reopens it.
func (r *Registry) RecordFailure(agentType, reason string) {
	cfg := r.Config(agentType)
	c := r.getOrCreate(agentType)
	now := r.clock.Now()

	c.mu.Lock()
	c.FailureCount++
	c.TotalAttempts++
	c.LastFailureTime = now
	c.ProbeInFlight = false
	opened := false
	if c.FailureCount >= cfg.RetryAttempts || c.State == StateHalfOpen {
		c.State = StateOpen
		c.NextAttemptTime = now.Add(Backoff(c.FailureCount))
		opened = true
	}
	snap := c.Circuit
	c.mu.Unlock()

	r.appendFailure(FailureRecord{AgentType: agentType, Reason: reason, FailureCount: snap.FailureCount, At: now})

	if opened {
		r.logger.Warn("circuit open",
			zap.String("agent_type", agentType),
			zap.Int("failures", snap.FailureCount),
			zap.Time("next_attempt", snap.NextAttemptTime),
			zap.String("reason", reason))
	} else {
		r.logger.Debug("agent failure recorded",
			zap.String("agent_type", agentType),
			zap.Int("failures", snap.FailureCount),
			zap.String("reason", reason))
	}
	r.notify(snap)
}

// ReleaseProbe returns an unused half-open probe, for a task that was granted
// the probe but never ran. It is a no-op in any other state.
func (r *Registry) ReleaseProbe(agentType string) {
	c := r.getOrCreate(agentType)
	c.mu.Lock()
	released := c.State == StateHalfOpen && c.ProbeInFlight
	c.ProbeInFlight = false
	c.mu.Unlock()

	if released {
		r.logger.Debug("half-open probe released unused", zap.String("agent_type", agentType))
	}
}

// Reset forces the circuit for agentType back to Closed.
func (r *Registry) Reset(agentType string) {
	c := r.getOrCreate(agentType)
	c.mu.Lock()
	c.State = StateClosed
	c.FailureCount = 0
	c.NextAttemptTime = time.Time{}
	c.ProbeInFlight = false
	snap := c.Circuit
	c.mu.Unlock()

	r.logger.Info("circuit reset", zap.String("agent_type", agentType))
	r.notify(snap)
}

// Snapshot returns the circuit for agentType. Unknown types report Closed.
func (r *Registry) Snapshot(agentType string) Circuit {
	r.mu.RLock()
	c, ok := r.circuits[agentType]
	r.mu.RUnlock()
	if !ok {
		return Circuit{AgentType: agentType, State: StateClosed}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Circuit
}

// Circuits returns snapshots of every known circuit sorted by agent type.
func (r *Registry) Circuits() []Circuit {
	r.mu.RLock()
	list := make([]*circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		list = append(list, c)
	}
	r.mu.RUnlock()

	out := make([]Circuit, 0, len(list))
	for _, c := range list {
		c.mu.Lock()
		out = append(out, c.Circuit)
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}

// Stats summarizes circuit states.
type Stats struct {
	Total    int `json:"total"`
	Closed   int `json:"closed"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
	Failures int `json:"failures_logged"`
}

// Stats returns counts by state.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, c := range r.Circuits() {
		s.Total++
		switch c.State {
		case StateOpen:
			s.Open++
		case StateHalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	r.logMu.Lock()
	s.Failures = len(r.failureLog)
	r.logMu.Unlock()
	return s
}

// FailureLog returns a copy of the most recent failures, oldest first.
func (r *Registry) FailureLog() []FailureRecord {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	out := make([]FailureRecord, len(r.failureLog))
	copy(out, r.failureLog)
	return out
}

// Config returns the effective config for agentType.
func (r *Registry) Config(agentType string) AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[agentType]; ok {
		return cfg
	}
	return DefaultAgentConfig()
}

// SetConfig replaces the config for one agent type.
func (r *Registry) SetConfig(agentType string, cfg AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[agentType] = cfg.normalized()
}

// Configs returns a copy of the explicit config table.
func (r *Registry) Configs() map[string]AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AgentConfig, len(r.configs))
	for k, v := range r.configs {
		out[k] = v
	}
	return out
}

// LoadConfig replaces the config table from a JSON file. A missing or
// malformed file leaves the built-in defaults in place; the error is returned
// for the caller's information only.
func (r *Registry) LoadConfig(path string) error {
	loaded := map[string]AgentConfig{}
	if err := store.Load(path, &loaded); err != nil {
		r.mu.Lock()
		r.configs = DefaultConfigs()
		r.mu.Unlock()
		if errors.Is(err, store.ErrNotExist) {
			r.logger.Debug("no circuit config file, using defaults", zap.String("path", path))
		} else {
			r.logger.Warn("circuit config unreadable, using defaults", zap.String("path", path), zap.Error(err))
		}
		return err
	}

	configs := make(map[string]AgentConfig, len(loaded))
	for name, cfg := range loaded {
		configs[name] = cfg.normalized()
	}

	r.mu.Lock()
	r.configs = configs
	r.mu.Unlock()
	r.logger.Info("circuit config loaded", zap.String("path", path), zap.Int("agent_types", len(configs)))
	return nil
}

// ReloadConfig is LoadConfig under the name the config watcher uses.
// Live circuit state is kept; only the per-type policy changes.
func (r *Registry) ReloadConfig(path string) error {
	return r.LoadConfig(path)
}

// SaveConfig writes the config table to a JSON file.
func (r *Registry) SaveConfig(path string) error {
	if err := store.Save(path, r.Configs()); err != nil {
		return fmt.Errorf("save circuit config: %w", err)
	}
	return nil
}

func (r *Registry) getOrCreate(agentType string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[agentType]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[agentType]; ok {
		return c
	}
	c = &circuit{Circuit: Circuit{AgentType: agentType, State: StateClosed}}
	r.circuits[agentType] = c
	return c
}

func (r *Registry) appendFailure(rec FailureRecord) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	r.failureLog = append(r.failureLog, rec)
	if len(r.failureLog) > maxFailureLog {
		r.failureLog = r.failureLog[len(r.failureLog)-maxFailureLog:]
	}
}

func (r *Registry) notify(snap Circuit) {
	r.mu.RLock()
	fn := r.observer
	r.mu.RUnlock()
	if fn != nil {
		fn(snap)
	}
}
