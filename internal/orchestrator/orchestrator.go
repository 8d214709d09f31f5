package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/delegation"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/pool"
	"github.com/ShayCichocki/relay/internal/progress"
	"github.com/ShayCichocki/relay/internal/reload"
	"github.com/ShayCichocki/relay/internal/resource"
	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	// ErrClosed is returned by Submit after Shutdown has begun.
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("task not found")
	// ErrNotQueued is returned by Cancel for tasks that already left the queue.
	ErrNotQueued = errors.New("task is no longer queued")
	// ErrInvalidRequest wraps submission validation failures.
	ErrInvalidRequest = errors.New("invalid task request")
)

// SubmitRequest describes a task to run.
type SubmitRequest struct {
	AgentType   string          `json:"agent_type"`
	Description string          `json:"description"`
	Priority    models.Priority `json:"priority,omitempty"`
	// CriticalPath marks tasks whose failure blocks the workflow. Errors on
	// critical-path tasks deploy a backup.
	CriticalPath bool           `json:"critical_path,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	// ParentTaskID makes this a delegated subtask, subject to delegation limits.
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// Estimate overrides the agent type's configured time budget.
	Estimate time.Duration `json:"-"`
}

func (r SubmitRequest) validate() error {
	if r.AgentType == "" {
		return fmt.Errorf("%w: agent type is required", ErrInvalidRequest)
	}
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, r.Priority)
	}
	if r.Estimate < 0 {
		return fmt.Errorf("%w: negative estimate", ErrInvalidRequest)
	}
	return nil
}

// Submission is the admission result returned to the caller.
type Submission struct {
	TaskID                     string            `json:"task_id"`
	Status                     models.TaskStatus `json:"status"`
	AssignedAgent              string            `json:"assigned_agent,omitempty"`
	BackupAgentUsed            bool              `json:"backup_agent_used"`
	DeploymentID               string            `json:"deployment_id,omitempty"`
	RequiresManualIntervention bool              `json:"requires_manual_intervention,omitempty"`
	Reason                     string            `json:"reason,omitempty"`
}

// Stats are orchestrator counters.
type Stats struct {
	Submitted         int `json:"submitted"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Skipped           int `json:"skipped"`
	Rejected          int `json:"rejected"`
	Cancelled         int `json:"cancelled"`
	BackupDeployments int `json:"backup_deployments"`
	Stalls            int `json:"stalls"`
	Stimulations      int `json:"stimulations"`
	Timeouts          int `json:"timeouts"`
	PressureEvents    int `json:"pressure_events"`
}

// ComponentHealth gathers each component's own view of itself.
type ComponentHealth struct {
	Circuits       circuit.Stats        `json:"circuits"`
	Pool           pool.Stats           `json:"pool"`
	Backups        backup.Statistics    `json:"backups"`
	Delegation     delegation.Stats     `json:"delegation"`
	Progress       progress.Stats       `json:"progress"`
	PendingReviews int                  `json:"pending_reviews"`
	Memory         resource.MemoryUsage `json:"memory"`
	ResourcesOK    bool                 `json:"resources_ok"`
	ResourceReason string               `json:"resource_reason,omitempty"`
	DroppedEvents  uint64               `json:"dropped_events"`
}

// WorkflowStatus is a point-in-time view of the orchestrator.
type WorkflowStatus struct {
	ActiveTasks      []models.Task   `json:"active_tasks"`
	QueueLength      int             `json:"queue_length"`
	Executing        int             `json:"executing"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	Stats            Stats           `json:"stats"`
	ComponentHealth  ComponentHealth `json:"component_health"`
}

type taskState struct {
	task     models.Task
	estimate time.Duration
	// probe is set when admission consumed the circuit's half-open probe.
	probe bool
	// registered is set once the task has a delegation context.
	registered bool
	done       chan struct{}
}

// Orchestrator composes circuits, pool, backups, delegation, oversight and
// progress tracking into the submit, execute, complete pipeline.
type Orchestrator struct {
	cfg    Config
	runner agent.Runner

	circuits *circuit.Registry
	pool     *pool.Pool
	resolver *backup.Resolver
	guard    *delegation.Guard
	broker   *oversight.Broker
	tracker  *progress.Tracker
	gate     resource.Gate
	ledger   state.Ledger
	watcher  *reload.Watcher

	emitter *EventEmitter
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	tasks     map[string]*taskState
	queue     []*taskState
	history   []models.Task
	running   int
	limit     int
	closed    bool
	started   bool
	pressured bool
	stats     Stats

	runsMu sync.Mutex
	runs   map[string]*attempt

	wake       chan struct{}
	wg         sync.WaitGroup
	runCtx     context.Context
	cancelRuns context.CancelFunc
	stopLoops  context.CancelFunc
	loopsDone  chan struct{}
}

// New creates an Orchestrator. Components not supplied through options are
// built with their package defaults and share the orchestrator's logger,
// clock and metrics.
func New(req RequiredConfig, opts ...Option) *Orchestrator {
	o := &orchestratorOptions{config: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}

	logger := logging.OrNop(o.logger)
	clk := clock.OrReal(o.clock)
	m := o.metrics
	if m == nil {
		m = metrics.NewMetrics(nil)
	}

	if o.circuits == nil {
		o.circuits = circuit.NewRegistry(logger, clk)
	}
	if o.broker == nil {
		o.broker = oversight.NewBroker(oversight.DefaultConfig(), logger, clk, m)
	}
	if o.guard == nil {
		o.guard = delegation.NewGuard(delegation.DefaultConfig(), o.broker, logger)
	}
	if o.resolver == nil {
		o.resolver = backup.NewResolver(backup.Config{}, o.circuits, logger, clk, m)
	}
	if o.pool == nil {
		o.pool = pool.New(pool.DefaultConfig(), logger, pool.WithMetrics(m), pool.WithClock(clk))
	}
	if o.tracker == nil {
		o.tracker = progress.NewTracker(progress.DefaultConfig(), logger, clk, m)
	}
	if o.gate == nil {
		o.gate = resource.NewRuntimeGate(4096, 85)
	}

	cfg := o.config.withDefaults()
	runCtx, cancelRuns := context.WithCancel(context.Background())
	named := logger.Named("orchestrator")

	orch := &Orchestrator{
		cfg:        cfg,
		runner:     req.Runner,
		circuits:   o.circuits,
		pool:       o.pool,
		resolver:   o.resolver,
		guard:      o.guard,
		broker:     o.broker,
		tracker:    o.tracker,
		gate:       o.gate,
		ledger:     o.ledger,
		watcher:    o.watcher,
		emitter:    NewEventEmitter(cfg.EventBuffer, named),
		metrics:    m,
		clock:      clk,
		logger:     named,
		tasks:      make(map[string]*taskState),
		limit:      cfg.MaxConcurrentTasks,
		runs:       make(map[string]*attempt),
		wake:       make(chan struct{}, 1),
		runCtx:     runCtx,
		cancelRuns: cancelRuns,
		loopsDone:  make(chan struct{}),
	}
	orch.circuits.SetObserver(orch.observeCircuit)
	m.ConcurrencyLimit.Set(float64(cfg.MaxConcurrentTasks))
	return orch
}

// Submit admits a task. Admission denials are reported through the returned
// Submission's Status and Reason; an error means the request was not
// accepted at all. Submit may block while an oversight decision is pending
// for a delegation limit or a circuit override, never longer than the
// relevant policy timeout or ctx.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if o.runner == nil {
		return nil, agent.ErrNoRunner
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	ts := &taskState{
		task: models.Task{
			ID:           uuid.NewString(),
			ParentID:     req.ParentTaskID,
			AgentType:    req.AgentType,
			Description:  req.Description,
			Priority:     priority,
			CriticalPath: req.CriticalPath,
			Context:      req.Context,
			Status:       models.TaskStatusQueued,
			CreatedAt:    o.clock.Now(),
		},
		estimate: req.Estimate,
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.tasks[ts.task.ID] = ts
	o.stats.Submitted++
	o.mu.Unlock()

	o.admit(ctx, ts)

	if status := o.snapshot(ts).Status; status.IsTerminal() {
		o.finish(ts, status, "", "")
		return o.accepted(ts), nil
	}

	o.mu.Lock()
	var rejectReason string
	switch {
	case o.closed:
		rejectReason = "orchestrator shutting down"
	case len(o.queue) >= o.cfg.QueueSize:
		rejectReason = fmt.Sprintf("dispatch queue full (%d tasks)", len(o.queue))
	default:
		o.queue = append(o.queue, ts)
		o.reportLocked()
	}
	o.mu.Unlock()

	if rejectReason != "" {
		o.abandon(ts, rejectReason)
		o.finish(ts, models.TaskStatusRejected, rejectReason, "")
		return o.accepted(ts), nil
	}

	sub := o.accepted(ts)
	o.emit(OrchestratorEvent{
		Type:      EventTaskQueued,
		TaskID:    sub.TaskID,
		AgentType: sub.AssignedAgent,
		Status:    sub.Status,
		Message:   sub.Reason,
	})
	o.notify()
	return sub, nil
}

// admit runs the task through delegation limits and the circuit check and
// leaves it Assigned, BackupAssigned, Skipped or Rejected.
func (o *Orchestrator) admit(ctx context.Context, ts *taskState) {
	id := ts.task.ID
	agentType := ts.task.AgentType

	if parent := ts.task.ParentID; parent != "" {
		if _, ok := o.guard.Get(parent); !ok {
			o.setStatus(ts, models.TaskStatusRejected, fmt.Sprintf("parent task %s is not active", parent))
			return
		}
		if ok, reason := o.guard.CanDelegate(ctx, parent, agentType); !ok {
			o.setStatus(ts, models.TaskStatusRejected, reason)
			return
		}
	}
	if _, err := o.guard.Register(id, ts.task.ParentID); err != nil {
		o.setStatus(ts, models.TaskStatusRejected, err.Error())
		return
	}
	ts.registered = true

	o.setStatus(ts, models.TaskStatusCircuitChecked, "")
	allowed, reason := o.circuits.CanExecute(agentType)
	if allowed {
		ts.probe = o.circuits.Snapshot(agentType).State == circuit.StateHalfOpen
		o.update(ts, func(t *models.Task) {
			t.Status = models.TaskStatusAssigned
			t.AssignedAgent = agentType
		})
		return
	}

	o.logger.Info("circuit blocks agent type",
		zap.String("task_id", id),
		zap.String("agent_type", agentType),
		zap.String("reason", reason))

	criticality := o.criticality(ts)
	if d, ok := o.resolver.Deploy(agentType, id, ts.task.Description, criticality, ts.task.Context); ok {
		o.update(ts, func(t *models.Task) {
			t.Status = models.TaskStatusBackupAssigned
			t.AssignedAgent = d.BackupAgent
			t.BackupAgentUsed = true
			t.DeploymentID = d.ID
			t.Reason = reason
		})
		o.mu.Lock()
		o.stats.BackupDeployments++
		o.mu.Unlock()
		o.emit(OrchestratorEvent{
			Type:        EventBackupDeployed,
			TaskID:      id,
			AgentType:   agentType,
			BackupAgent: d.BackupAgent,
			Status:      models.TaskStatusBackupAssigned,
			Message:     reason,
		})
		return
	}

	cfg := o.circuits.Config(agentType)
	if cfg.CanSkip {
		o.update(ts, func(t *models.Task) {
			t.Status = models.TaskStatusSkipped
			t.RequiresManualIntervention = cfg.RequiresManualIntervention
			t.Reason = reason + "; no backup available"
		})
		return
	}

	snap := o.circuits.Snapshot(agentType)
	decision, err := o.broker.RequestApproval(ctx, oversight.OpCircuitOverride, float64(snap.FailureCount), map[string]any{
		"task_id":    id,
		"agent_type": agentType,
		"reason":     reason,
	})
	if err == nil && decision.Approved {
		o.update(ts, func(t *models.Task) {
			t.Status = models.TaskStatusAssigned
			t.AssignedAgent = agentType
			t.Reason = fmt.Sprintf("circuit override approved by %s", decision.DecidedBy)
		})
		return
	}

	why := fmt.Sprintf("%s; no backup available and %s cannot be skipped", reason, agentType)
	if err != nil {
		why = fmt.Sprintf("%s; override aborted: %v", why, err)
	} else {
		why = fmt.Sprintf("%s; override denied by %s", why, decision.DecidedBy)
		if decision.Reason != "" {
			why += ": " + decision.Reason
		}
	}
	o.update(ts, func(t *models.Task) {
		t.Status = models.TaskStatusRejected
		t.RequiresManualIntervention = cfg.RequiresManualIntervention
		t.Reason = why
	})
}

// criticality combines the task's own flags with its agent type's priority.
func (o *Orchestrator) criticality(ts *taskState) models.Criticality {
	t := o.snapshot(ts)
	if o.circuits.Config(t.AgentType).Priority == models.PriorityCritical {
		return models.CriticalityCritical
	}
	return t.Criticality()
}

// abandon gives back what admission reserved for a task that will not run.
func (o *Orchestrator) abandon(ts *taskState, reason string) {
	t := o.snapshot(ts)
	if ts.probe {
		o.circuits.ReleaseProbe(t.AssignedAgent)
	}
	if t.DeploymentID != "" {
		if err := o.resolver.Cancel(t.DeploymentID, reason); err != nil {
			o.logger.Warn("cancel deployment", zap.String("deployment_id", t.DeploymentID), zap.Error(err))
		}
		o.recordDeployment(t.DeploymentID)
	}
}

// Cancel removes a task from the dispatch queue. Tasks that are executing
// or finished cannot be cancelled.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	ts, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		for _, t := range o.History() {
			if t.ID == taskID {
				return fmt.Errorf("%w: %s is %s", ErrNotQueued, taskID, t.Status)
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	idx := -1
	for i, q := range o.queue {
		if q == ts {
			idx = i
			break
		}
	}
	if idx < 0 {
		status := ts.task.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, taskID, status)
	}
	o.queue = append(o.queue[:idx], o.queue[idx+1:]...)
	o.reportLocked()
	o.mu.Unlock()

	o.abandon(ts, "task cancelled")
	o.finish(ts, models.TaskStatusCancelled, "cancelled while queued", "")
	return nil
}

// Task returns the current record for id, active or finished.
func (o *Orchestrator) Task(id string) (models.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts, ok := o.tasks[id]; ok {
		return copyTask(ts.task), true
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ID == id {
			return copyTask(o.history[i]), true
		}
	}
	return models.Task{}, false
}

// Wait blocks until task id is terminal and returns its final record.
func (o *Orchestrator) Wait(ctx context.Context, id string) (models.Task, error) {
	o.mu.Lock()
	ts, ok := o.tasks[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-ts.done:
		case <-ctx.Done():
			return models.Task{}, ctx.Err()
		}
	}
	t, ok := o.Task(id)
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// History returns finished tasks, oldest first.
func (o *Orchestrator) History() []models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Task, len(o.history))
	for i, t := range o.history {
		out[i] = copyTask(t)
	}
	return out
}

// Events returns the orchestrator event stream.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// Circuits exposes the circuit registry.
func (o *Orchestrator) Circuits() *circuit.Registry { return o.circuits }

// Broker exposes the oversight broker.
func (o *Orchestrator) Broker() *oversight.Broker { return o.broker }

// Resolver exposes the backup resolver.
func (o *Orchestrator) Resolver() *backup.Resolver { return o.resolver }

// WorkflowStatus reports active tasks, queue depth, counters and component health.
func (o *Orchestrator) WorkflowStatus() WorkflowStatus {
	ok, reason := o.gate.CheckSystemResources()
	health := ComponentHealth{
		Circuits:       o.circuits.Stats(),
		Pool:           o.pool.Stats(),
		Backups:        o.resolver.Statistics(),
		Delegation:     o.guard.Stats(),
		Progress:       o.tracker.Stats(),
		PendingReviews: len(o.broker.Pending()),
		Memory:         o.gate.MonitorMemoryUsage(),
		ResourcesOK:    ok,
		DroppedEvents:  o.emitter.DroppedCount(),
	}
	if !ok {
		health.ResourceReason = reason
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	active := make([]models.Task, 0, len(o.tasks))
	for _, ts := range o.tasks {
		active = append(active, copyTask(ts.task))
	}
	sortTasks(active)
	return WorkflowStatus{
		ActiveTasks:      active,
		QueueLength:      len(o.queue),
		Executing:        o.running,
		ConcurrencyLimit: o.limit,
		Stats:            o.stats,
		ComponentHealth:  health,
	}
}

// finish moves a task to a terminal status and does all terminal
// bookkeeping: delegation release, ledger row, history, metrics, events.
func (o *Orchestrator) finish(ts *taskState, status models.TaskStatus, reason, result string) {
	now := o.clock.Now()

	if ts.registered {
		if err := o.guard.Release(ts.task.ID); err != nil {
			o.logger.Warn("release delegation context", zap.String("task_id", ts.task.ID), zap.Error(err))
		}
	}

	o.mu.Lock()
	t := &ts.task
	t.Status = status
	if reason != "" {
		t.Reason = reason
	}
	if result != "" {
		t.Result = result
	}
	t.CompletedAt = &now
	final := copyTask(*t)

	delete(o.tasks, t.ID)
	o.history = append(o.history, final)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
	switch status {
	case models.TaskStatusCompleted:
		o.stats.Completed++
	case models.TaskStatusFailed:
		o.stats.Failed++
	case models.TaskStatusSkipped:
		o.stats.Skipped++
	case models.TaskStatusRejected:
		o.stats.Rejected++
	case models.TaskStatusCancelled:
		o.stats.Cancelled++
	}
	o.mu.Unlock()

	if o.ledger != nil {
		if err := o.ledger.RecordTask(&final); err != nil {
			o.logger.Warn("ledger write failed", zap.String("task_id", final.ID), zap.Error(err))
		}
	}
	close(ts.done)

	agentType := final.AssignedAgent
	if agentType == "" {
		agentType = final.AgentType
	}
	o.metrics.TasksFinished.WithLabelValues(agentType, string(status), strconv.FormatBool(final.BackupAgentUsed)).Inc()
	if d := final.Duration(); d > 0 {
		o.metrics.TaskDuration.WithLabelValues(agentType, string(status)).Observe(d.Seconds())
	}

	fields := []zap.Field{
		zap.String("task_id", final.ID),
		zap.String("agent_type", final.AgentType),
		zap.String("assigned_agent", final.AssignedAgent),
		zap.String("status", string(status)),
		zap.Bool("backup", final.BackupAgentUsed),
	}
	if final.Reason != "" {
		fields = append(fields, zap.String("reason", final.Reason))
	}
	if status == models.TaskStatusCompleted {
		o.logger.Info("task finished", fields...)
	} else {
		o.logger.Warn("task finished", fields...)
	}

	o.emit(OrchestratorEvent{
		Type:        terminalEvent(status),
		TaskID:      final.ID,
		AgentType:   final.AgentType,
		BackupAgent: backupName(final),
		Status:      status,
		Message:     final.Reason,
		Duration:    final.Duration(),
	})
}

func terminalEvent(s models.TaskStatus) EventType {
	switch s {
	case models.TaskStatusCompleted:
		return EventTaskCompleted
	case models.TaskStatusSkipped:
		return EventTaskSkipped
	case models.TaskStatusRejected:
		return EventTaskRejected
	case models.TaskStatusCancelled:
		return EventTaskCancelled
	default:
		return EventTaskFailed
	}
}

func backupName(t models.Task) string {
	if t.BackupAgentUsed {
		return t.AssignedAgent
	}
	return ""
}

func (o *Orchestrator) recordDeployment(id string) {
	if o.ledger == nil {
		return
	}
	d, ok := o.resolver.Get(id)
	if !ok {
		return
	}
	if err := o.ledger.RecordDeployment(d); err != nil {
		o.logger.Warn("ledger write failed", zap.String("deployment_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) submission(ts *taskState) *Submission {
	t := o.snapshot(ts)
	return &Submission{
		TaskID:                     t.ID,
		Status:                     t.Status,
		AssignedAgent:              t.AssignedAgent,
		BackupAgentUsed:            t.BackupAgentUsed,
		DeploymentID:               t.DeploymentID,
		RequiresManualIntervention: t.RequiresManualIntervention,
		Reason:                     t.Reason,
	}
}

// accepted builds the Submission and counts it by admission outcome.
func (o *Orchestrator) accepted(ts *taskState) *Submission {
	sub := o.submission(ts)
	o.metrics.TasksSubmitted.WithLabelValues(ts.task.AgentType, string(sub.Status)).Inc()
	return sub
}

func (o *Orchestrator) snapshot(ts *taskState) models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyTask(ts.task)
}

func (o *Orchestrator) update(ts *taskState, fn func(t *models.Task)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&ts.task)
}

func (o *Orchestrator) setStatus(ts *taskState, status models.TaskStatus, reason string) {
	o.update(ts, func(t *models.Task) {
		t.Status = status
		if reason != "" {
			t.Reason = reason
		}
	})
}

func (o *Orchestrator) emit(ev OrchestratorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock.Now()
	}
	o.emitter.Emit(ev)
}

func (o *Orchestrator) observeCircuit(c circuit.Circuit) {
	var v float64
	switch c.State {
	case circuit.StateHalfOpen:
		v = 1
	case circuit.StateOpen:
		v = 2
	}
	o.metrics.CircuitState.WithLabelValues(c.AgentType).Set(v)
	o.metrics.CircuitFailures.WithLabelValues(c.AgentType).Set(float64(c.FailureCount))
}

// reportLocked publishes dispatcher gauges. Callers hold o.mu.
func (o *Orchestrator) reportLocked() {
	o.metrics.QueueLength.Set(float64(len(o.queue)))
	o.metrics.TasksExecuting.Set(float64(o.running))
	o.metrics.ConcurrencyLimit.Set(float64(o.limit))
}

func sortTasks(ts []models.Task) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].CreatedAt.Before(ts[j].CreatedAt) })
}

func copyTask(t models.Task) models.Task {
	if t.Context != nil {
		c := make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c[k] = v
		}
		t.Context = c
	}
	return t
}
