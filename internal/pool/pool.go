// Package pool keeps a bounded cache of reusable agent handles.
//
// Handles are reused while they stay valid: under the use limit, not idle for
// too long, under the memory threshold and backed by a live process. When the
// pool is full and nothing can be evicted, Acquire overcommits rather than
// blocking; the extra handles drain back out as they are released.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
)

var (
	// ErrClosed is returned by Acquire after Shutdown.
	ErrClosed = errors.New("agent pool is shut down")
	// ErrUnknownHandle is returned when a handle is not (or no longer) in the pool.
	ErrUnknownHandle = errors.New("handle not in pool")
)

// Status is the lifecycle state of a pooled handle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// Handle is a snapshot of one pooled agent instance.
type Handle struct {
	ID                string    `json:"id"`
	AgentType         string    `json:"agent_type"`
	CreatedAt         time.Time `json:"created_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
	UsageCount        int       `json:"usage_count"`
	Status            Status    `json:"status"`
	EstimatedMemoryMB float64   `json:"estimated_memory_mb"`
	TaskHistory       []string  `json:"task_history"`
	LastError         string    `json:"last_error,omitempty"`
}

type handle struct {
	Handle
	process agent.Process
}

func (h *handle) snapshot() Handle {
	s := h.Handle
	s.TaskHistory = append([]string(nil), h.TaskHistory...)
	return s
}

// Config bounds the pool.
type Config struct {
	Capacity          int
	MaxUses           int
	MaxIdle           time.Duration
	MemoryThresholdMB float64
	SweepInterval     time.Duration
	// DefaultMemoryMB is the estimate used for handles without a Process.
	DefaultMemoryMB float64
}

// DefaultConfig returns the stock pool limits.
func DefaultConfig() Config {
	return Config{
		Capacity:          8,
		MaxUses:           10,
		MaxIdle:           10 * time.Minute,
		MemoryThresholdMB: 512,
		SweepInterval:     60 * time.Second,
		DefaultMemoryMB:   64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxUses <= 0 {
		c.MaxUses = d.MaxUses
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.MemoryThresholdMB <= 0 {
		c.MemoryThresholdMB = d.MemoryThresholdMB
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DefaultMemoryMB <= 0 {
		c.DefaultMemoryMB = d.DefaultMemoryMB
	}
	return c
}

// Option configures a Pool.
type Option func(*Pool)

// WithSpawner attaches a process to every new handle.
func WithSpawner(s agent.Spawner) Option {
	return func(p *Pool) { p.spawner = s }
}

// WithReclaim replaces the memory reclaim hint run after each sweep.
func WithReclaim(fn func()) Option {
	return func(p *Pool) { p.reclaim = fn }
}

// WithMetrics reports pool gauges and counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// Pool is a bounded set of reusable agent handles.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	handles []*handle
	closed  bool

	created     int
	evicted     int
	overcommits int
	reuses      int

	spawner agent.Spawner
	reclaim func()
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// New creates an empty pool.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		cfg:     cfg.withDefaults(),
		reclaim: debug.FreeOSMemory,
		clock:   clock.New(),
		logger:  logging.OrNop(logger).Named("pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.OrReal(p.clock)
	return p
}

// Acquire returns a Busy handle of agentType for taskID, reusing a valid idle
// handle when possible. It never blocks on capacity: when the pool is full and
// eviction frees nothing, an extra handle is created and a warning logged.
func (p *Pool) Acquire(agentType, taskID string) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, ErrClosed
	}

	now := p.clock.Now()
	if h := p.takeIdleLocked(agentType, taskID, now); h != nil {
		p.reuses++
		snap := h.snapshot()
		p.mu.Unlock()
		p.logger.Debug("handle reused", zap.String("handle", snap.ID), zap.String("agent_type", agentType), zap.Int("uses", snap.UsageCount))
		p.report()
		return snap, nil
	}

	var doomed []*handle
	overcommit := false
	if len(p.handles) >= p.cfg.Capacity {
		doomed = p.evictInvalidLocked(now)
		if h := p.takeIdleLocked(agentType, taskID, now); h != nil {
			p.reuses++
			snap := h.snapshot()
			p.mu.Unlock()
			p.terminate(doomed)
			p.report()
			return snap, nil
		}
		overcommit = len(p.handles) >= p.cfg.Capacity
	}

	h := &handle{Handle: Handle{
		ID:                uuid.NewString(),
		AgentType:         agentType,
		CreatedAt:         now,
		LastUsedAt:        now,
		UsageCount:        1,
		Status:            StatusBusy,
		EstimatedMemoryMB: p.cfg.DefaultMemoryMB,
		TaskHistory:       []string{taskID},
	}}
	p.handles = append(p.handles, h)
	p.created++
	if overcommit {
		p.overcommits++
	}
	size := len(p.handles)
	spawner := p.spawner
	p.mu.Unlock()

	p.terminate(doomed)

	if overcommit {
		p.logger.Warn("pool at capacity, overcommitting",
			zap.String("agent_type", agentType),
			zap.Int("capacity", p.cfg.Capacity),
			zap.Int("size", size))
		if p.metrics != nil {
			p.metrics.PoolOvercommits.Inc()
		}
	}

	if spawner != nil {
		proc, err := spawner.Spawn(agentType)
		if err != nil {
			p.remove(h.ID)
			p.report()
			return Handle{}, fmt.Errorf("spawn %s agent: %w", agentType, err)
		}
		p.mu.Lock()
		h.process = proc
		if proc != nil {
			h.EstimatedMemoryMB = proc.MemoryMB()
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	snap := h.snapshot()
	p.mu.Unlock()

	p.logger.Debug("handle created", zap.String("handle", snap.ID), zap.String("agent_type", agentType), zap.String("task_id", taskID))
	p.report()
	return snap, nil
}

// Release returns a Busy handle to the pool. When the pool holds more handles
// than its capacity the released handle is evicted instead.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	ph := p.findLocked(h.ID)
	if ph == nil {
		p.mu.Unlock()
		return ErrUnknownHandle
	}

	ph.LastUsedAt = p.clock.Now()
	if ph.Status == StatusBusy {
		ph.Status = StatusIdle
	}
	if ph.process != nil {
		ph.EstimatedMemoryMB = ph.process.MemoryMB()
	}

	var doomed []*handle
	if len(p.handles) > p.cfg.Capacity || p.closed {
		doomed = p.removeLocked(ph.ID)
	}
	p.mu.Unlock()

	if len(doomed) > 0 {
		p.logger.Debug("released handle evicted to drain overcommit", zap.String("handle", h.ID))
	}
	p.terminate(doomed)
	p.report()
	return nil
}

// MarkError flags a handle as broken; it is evicted by the next sweep or release.
func (p *Pool) MarkError(h Handle, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ph := p.findLocked(h.ID)
	if ph == nil {
		return
	}
	ph.Status = StatusError
	if cause != nil {
		ph.LastError = cause.Error()
	}
}

// Evict removes a handle and terminates its process. Unknown IDs are ignored.
func (p *Pool) Evict(id string) {
	p.mu.Lock()
	doomed := p.removeLocked(id)
	p.mu.Unlock()
	p.terminate(doomed)
	p.report()
}

// Sweep evicts invalid idle handles and errored handles, then runs the
// memory reclaim hint. It returns the number of handles evicted.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	doomed := p.evictInvalidLocked(p.clock.Now())
	p.mu.Unlock()

	p.terminate(doomed)
	if p.reclaim != nil {
		p.reclaim()
	}
	if len(doomed) > 0 {
		p.logger.Info("pool sweep", zap.Int("evicted", len(doomed)))
	}
	p.report()
	return len(doomed)
}

// Run sweeps every SweepInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Shutdown terminates every handle and refuses further acquires.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	doomed := p.handles
	for _, h := range doomed {
		h.Status = StatusTerminated
	}
	p.evicted += len(doomed)
	p.handles = nil
	p.mu.Unlock()

	p.terminate(doomed)
	p.logger.Info("pool shut down", zap.Int("terminated", len(doomed)))
	p.report()
}

// Handles returns snapshots of all pooled handles.
func (p *Pool) Handles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h.snapshot())
	}
	return out
}

// Stats summarizes the pool.
type Stats struct {
	Capacity    int `json:"capacity"`
	Size        int `json:"size"`
	Idle        int `json:"idle"`
	Busy        int `json:"busy"`
	Error       int `json:"error"`
	Created     int `json:"created"`
	Evicted     int `json:"evicted"`
	Overcommits int `json:"overcommits"`
	Reuses      int `json:"reuses"`
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Capacity:    p.cfg.Capacity,
		Size:        len(p.handles),
		Created:     p.created,
		Evicted:     p.evicted,
		Overcommits: p.overcommits,
		Reuses:      p.reuses,
	}
	for _, h := range p.handles {
		switch h.Status {
		case StatusIdle:
			s.Idle++
		case StatusBusy:
			s.Busy++
		case StatusError:
			s.Error++
		}
	}
	return s
}

func (p *Pool) valid(h *handle, now time.Time) bool {
	if h.UsageCount >= p.cfg.MaxUses {
		return false
	}
	if now.Sub(h.LastUsedAt) >= p.cfg.MaxIdle {
		return false
	}
	mem := h.EstimatedMemoryMB
	if h.process != nil {
		if !h.process.Alive() {
			return false
		}
		mem = h.process.MemoryMB()
	}
	return mem < p.cfg.MemoryThresholdMB
}

func (p *Pool) takeIdleLocked(agentType, taskID string, now time.Time) *handle {
	for _, h := range p.handles {
		if h.AgentType != agentType || h.Status != StatusIdle {
			continue
		}
		if !p.valid(h, now) {
			continue
		}
		h.Status = StatusBusy
		h.UsageCount++
		h.LastUsedAt = now
		h.TaskHistory = append(h.TaskHistory, taskID)
		return h
	}
	return nil
}

// evictInvalidLocked removes invalid idle and errored handles and returns them
// for termination outside the lock.
func (p *Pool) evictInvalidLocked(now time.Time) []*handle {
	var doomed []*handle
	kept := p.handles[:0]
	for _, h := range p.handles {
		switch {
		case h.Status == StatusError, h.Status == StatusTerminated,
			h.Status == StatusIdle && !p.valid(h, now):
			h.Status = StatusTerminated
			doomed = append(doomed, h)
		default:
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(p.handles); i++ {
		p.handles[i] = nil
	}
	p.handles = kept
	p.evicted += len(doomed)
	return doomed
}

func (p *Pool) findLocked(id string) *handle {
	for _, h := range p.handles {
		if h.ID == id {
			return h
		}
	}
	return nil
}

func (p *Pool) removeLocked(id string) []*handle {
	for i, h := range p.handles {
		if h.ID != id {
			continue
		}
		h.Status = StatusTerminated
		p.handles = append(p.handles[:i], p.handles[i+1:]...)
		p.evicted++
		return []*handle{h}
	}
	return nil
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	doomed := p.removeLocked(id)
	p.mu.Unlock()
	p.terminate(doomed)
}

func (p *Pool) terminate(doomed []*handle) {
	for _, h := range doomed {
		if p.metrics != nil {
			p.metrics.PoolEvictions.Inc()
		}
		if h.process == nil {
			continue
		}
		if err := h.process.Terminate(); err != nil {
			p.logger.Warn("terminate agent process", zap.String("handle", h.ID), zap.Error(err))
		}
	}
}

func (p *Pool) report() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.PoolHandles.WithLabelValues(string(StatusIdle)).Set(float64(s.Idle))
	p.metrics.PoolHandles.WithLabelValues(string(StatusBusy)).Set(float64(s.Busy))
	p.metrics.PoolHandles.WithLabelValues(string(StatusError)).Set(float64(s.Error))
}
