// Package delegation bounds how deep and how wide tasks may delegate to
// other agents, escalating to oversight when a limit is hit.
//
// Delegation contexts live in an arena keyed by task ID. A child refers to
// its parent by ID only; releasing a task deletes its arena entry and
// detaches it from the parent's subtask set.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/oversight"
)

var (
	// ErrAlreadyRegistered is returned when a task ID is registered twice.
	ErrAlreadyRegistered = errors.New("task already has a delegation context")
	// ErrUnknownTask is returned for task IDs without a context.
	ErrUnknownTask = errors.New("no delegation context for task")
)

// Approver escalates limit violations.
type Approver interface {
	RequestApproval(ctx context.Context, op oversight.Operation, value float64, reqContext map[string]any) (oversight.Decision, error)
	Submit(op oversight.Operation, value float64, reqContext map[string]any) (oversight.Request, oversight.Severity)
}

// Config sets the delegation limits.
type Config struct {
	MaxDepth    int
	MaxParallel int
}

// DefaultConfig returns depth 3, parallelism 5.
func DefaultConfig() Config {
	return Config{MaxDepth: 3, MaxParallel: 5}
}

// Context is a snapshot of one node in the delegation tree.
type Context struct {
	TaskID         string   `json:"task_id"`
	Depth          int      `json:"depth"`
	ParentID       string   `json:"parent_id,omitempty"`
	ActiveSubtasks []string `json:"active_subtasks,omitempty"`
}

type node struct {
	taskID   string
	parentID string
	depth    int
	children map[string]struct{}
}

func (n *node) snapshot() Context {
	c := Context{TaskID: n.taskID, Depth: n.depth, ParentID: n.parentID}
	for id := range n.children {
		c.ActiveSubtasks = append(c.ActiveSubtasks, id)
	}
	sort.Strings(c.ActiveSubtasks)
	return c
}

// Stats summarizes the guard.
type Stats struct {
	Contexts        int `json:"contexts"`
	ActiveDelegated int `json:"active_delegated"`
	MaxDepthSeen    int `json:"max_depth_seen"`
	Escalations     int `json:"escalations"`
	Denied          int `json:"denied"`
	CleanupFailures int `json:"cleanup_failures"`
	// DanglingParents counts live contexts whose parent was released first.
	DanglingParents int `json:"dangling_parents"`
}

// Guard is the delegation admission controller.
type Guard struct {
	cfg      Config
	approver Approver
	logger   *zap.Logger

	mu    sync.Mutex
	arena map[string]*node
	stats Stats
}

// NewGuard creates a guard. approver may be nil, in which case limit
// violations are denied outright.
func NewGuard(cfg Config, approver Approver, logger *zap.Logger) *Guard {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	return &Guard{
		cfg:      cfg,
		approver: approver,
		logger:   logging.OrNop(logger).Named("delegation"),
		arena:    make(map[string]*node),
	}
}

// Register adds taskID to the arena under parentID. Root tasks pass "".
func (g *Guard) Register(taskID, parentID string) (Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.arena[taskID]; ok {
		return Context{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, taskID)
	}

	n := &node{taskID: taskID, parentID: parentID, children: make(map[string]struct{})}
	if parentID != "" {
		parent, ok := g.arena[parentID]
		if !ok {
			return Context{}, fmt.Errorf("%w: parent %s", ErrUnknownTask, parentID)
		}
		n.depth = parent.depth + 1
		parent.children[taskID] = struct{}{}
	}
	g.arena[taskID] = n
	if n.depth > g.stats.MaxDepthSeen {
		g.stats.MaxDepthSeen = n.depth
	}
	return n.snapshot(), nil
}

// CanDelegate decides whether fromTaskID may delegate another task to
// toAgentType. Within limits it allows immediately; past a limit it asks the
// approver and may block for up to that policy's timeout.
func (g *Guard) CanDelegate(ctx context.Context, fromTaskID, toAgentType string) (bool, string) {
	g.mu.Lock()
	depth := 0
	if n, ok := g.arena[fromTaskID]; ok {
		depth = n.depth
	}
	active := g.activeLocked()
	g.mu.Unlock()

	var (
		op    oversight.Operation
		value float64
		what  string
	)
	switch {
	case depth >= g.cfg.MaxDepth:
		op, value = oversight.OpDelegationDepth, float64(depth)
		what = fmt.Sprintf("delegation depth %d reaches limit %d", depth, g.cfg.MaxDepth)
	case active >= g.cfg.MaxParallel:
		op, value = oversight.OpParallelDelegations, float64(active)
		what = fmt.Sprintf("%d active delegations reach limit %d", active, g.cfg.MaxParallel)
	default:
		return true, "within delegation limits"
	}

	g.mu.Lock()
	g.stats.Escalations++
	g.mu.Unlock()

	g.logger.Warn("delegation limit reached",
		zap.String("task_id", fromTaskID),
		zap.String("to_agent", toAgentType),
		zap.String("limit", string(op)),
		zap.Float64("value", value))

	if g.approver == nil {
		g.deny()
		return false, what + ", no oversight configured"
	}

	d, err := g.approver.RequestApproval(ctx, op, value, map[string]any{
		"from_task_id":  fromTaskID,
		"to_agent_type": toAgentType,
		"depth":         depth,
		"active":        active,
	})
	if err != nil {
		g.deny()
		return false, fmt.Sprintf("%s, approval aborted: %v", what, err)
	}
	if !d.Approved {
		g.deny()
		return false, fmt.Sprintf("%s, denied by %s: %s", what, d.DecidedBy, d.Reason)
	}
	return true, fmt.Sprintf("%s, approved by %s", what, d.DecidedBy)
}

// Release deletes taskID's context. Releasing an unknown task counts as a
// cleanup failure and is reported to oversight without waiting. Releasing a
// parent before its children leaves their parent IDs dangling; that count is
// reported to oversight as backref_count.
func (g *Guard) Release(taskID string) error {
	g.mu.Lock()
	n, ok := g.arena[taskID]
	if !ok {
		g.stats.CleanupFailures++
		failures := g.stats.CleanupFailures
		g.mu.Unlock()

		g.logger.Warn("delegation cleanup failure", zap.String("task_id", taskID), zap.Int("failures", failures))
		if g.approver != nil {
			g.approver.Submit(oversight.OpCleanupFailures, float64(failures), map[string]any{"task_id": taskID})
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	delete(g.arena, taskID)
	if parent, ok := g.arena[n.parentID]; ok {
		delete(parent.children, taskID)
	}
	orphaned := len(n.children)
	dangling := 0
	if orphaned > 0 {
		dangling = g.danglingLocked()
	}
	g.mu.Unlock()

	if orphaned > 0 {
		g.logger.Debug("parent released before subtasks",
			zap.String("task_id", taskID),
			zap.Int("orphaned", orphaned),
			zap.Int("dangling", dangling))
		if g.approver != nil {
			g.approver.Submit(oversight.OpBackrefCount, float64(dangling), map[string]any{"task_id": taskID, "orphaned": orphaned})
		}
	}
	return nil
}

// Get returns the context for taskID.
func (g *Guard) Get(taskID string) (Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.arena[taskID]
	if !ok {
		return Context{}, false
	}
	return n.snapshot(), true
}

// Stats returns guard counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Contexts = len(g.arena)
	s.ActiveDelegated = g.activeLocked()
	s.DanglingParents = g.danglingLocked()
	return s
}

func (g *Guard) activeLocked() int {
	n := 0
	for _, c := range g.arena {
		if c.parentID != "" {
			n++
		}
	}
	return n
}

func (g *Guard) danglingLocked() int {
	n := 0
	for _, c := range g.arena {
		if c.parentID == "" {
			continue
		}
		if _, ok := g.arena[c.parentID]; !ok {
			n++
		}
	}
	return n
}

func (g *Guard) deny() {
	g.mu.Lock()
	g.stats.Denied++
	g.mu.Unlock()
}
