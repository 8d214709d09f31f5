// Package progress keeps a checkpoint log per agent run and detects runs
// that stall or exceed their time budget.
//
// Detection results are delivered as tagged events on a single channel so
// that consumers never run inside the tracker's lock.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
	"github.com/ShayCichocki/relay/internal/store"
)

// ErrUnknownSession is returned for sessions that are not active.
var ErrUnknownSession = errors.New("no active progress session")

// Config controls detection thresholds.
type Config struct {
	PollInterval   time.Duration
	StallThreshold time.Duration
	// TimeoutMultiplier scales a session's estimate into its timeout.
	TimeoutMultiplier float64
	HistoryPath       string
	HistoryLimit      int
	EventBuffer       int
}

// DefaultConfig returns a 30s poll, 5m stall threshold and 1x timeout.
func DefaultConfig() Config {
	return Config{
		PollInterval:      30 * time.Second,
		StallThreshold:    5 * time.Minute,
		TimeoutMultiplier: 1.0,
		HistoryLimit:      500,
		EventBuffer:       256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Tracker monitors active sessions.
type Tracker struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	history  []Session

	persistMu sync.Mutex

	events  chan Event
	dropped atomic.Int64

	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// NewTracker creates a tracker.
func NewTracker(cfg Config, logger *zap.Logger, clk clock.Clock, m *metrics.Metrics) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		events:   make(chan Event, cfg.EventBuffer),
		metrics:  m,
		clock:    clock.OrReal(clk),
		logger:   logging.OrNop(logger).Named("progress"),
	}
}

// Events returns the stall, timeout and error event stream.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Dropped returns the number of events dropped because the channel was full.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

// StartSession begins monitoring agentName working on taskID. A zero
// estimate disables the timeout for the session.
func (t *Tracker) StartSession(agentName, taskID string, estimated time.Duration) string {
	now := t.clock.Now()
	s := &Session{
		ID:             uuid.NewString(),
		AgentName:      agentName,
		TaskID:         taskID,
		Status:         StatusInitializing,
		StartedAt:      now,
		LastActivityAt: now,
		Estimated:      estimated,
		Checkpoints: []Checkpoint{{
			Type:        CheckpointStart,
			Timestamp:   now,
			Description: fmt.Sprintf("%s started on task %s", agentName, taskID),
		}},
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()

	t.logger.Debug("session started",
		zap.String("session_id", s.ID),
		zap.String("agent", agentName),
		zap.String("task_id", taskID),
		zap.Duration("estimated", estimated))
	return s.ID
}

// AddCheckpoint records progress. The session's progress never decreases:
// a lower percentage is raised to the current value. Any checkpoint ends a
// stall episode.
func (t *Tracker) AddCheckpoint(sessionID string, typ CheckpointType, description string, pct *float64) error {
	if typ == CheckpointError {
		return t.ReportError(sessionID, description)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok || !s.Status.IsActive() {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	t.checkpointLocked(s, typ, description, pct)
	return nil
}

// ReportError records an error checkpoint and emits an error event.
func (t *Tracker) ReportError(sessionID, message string) error {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok || !s.Status.IsActive() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	t.checkpointLocked(s, CheckpointError, message, nil)
	s.ErrorCount++
	ev := Event{
		Type:      EventError,
		SessionID: s.ID,
		TaskID:    s.TaskID,
		AgentName: s.AgentName,
		At:        t.clock.Now(),
		Elapsed:   t.clock.Now().Sub(s.StartedAt),
		Message:   message,
	}
	t.mu.Unlock()

	t.emit(ev)
	return nil
}

// Stimulate nudges a stalled session once: it records a milestone and resets
// the idle clock. It returns how many times the session has been stimulated.
func (t *Tracker) Stimulate(sessionID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok || !s.Status.IsActive() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.Stimulations++
	t.checkpointLocked(s, CheckpointMilestone, fmt.Sprintf("stimulation %d after stall", s.Stimulations), nil)
	t.logger.Info("session stimulated", zap.String("session_id", sessionID), zap.Int("count", s.Stimulations))
	return s.Stimulations, nil
}

func (t *Tracker) checkpointLocked(s *Session, typ CheckpointType, description string, pct *float64) {
	now := t.clock.Now()
	cp := Checkpoint{Type: typ, Timestamp: now, Description: description}
	if pct != nil {
		v := *pct
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		if v < s.CurrentProgressPct {
			v = s.CurrentProgressPct
		}
		s.CurrentProgressPct = v
		cp.ProgressPct = &v
	}
	s.Checkpoints = append(s.Checkpoints, cp)
	s.LastActivityAt = now
	if s.Status == StatusInitializing || s.Status == StatusStalled {
		s.Status = StatusInProgress
	}
}

// Poll checks every active session once. Sessions past their timeout are
// marked Failed; sessions idle past the stall threshold are marked Stalled.
// Each stall episode produces exactly one stall event.
func (t *Tracker) Poll() {
	now := t.clock.Now()
	var events []Event

	t.mu.Lock()
	for _, s := range t.sessions {
		if !s.Status.IsActive() {
			continue
		}
		elapsed := now.Sub(s.StartedAt)
		idle := now.Sub(s.LastActivityAt)

		timeout := time.Duration(float64(s.Estimated) * t.cfg.TimeoutMultiplier)
		if s.Estimated > 0 && elapsed > timeout {
			s.Status = StatusFailed
			s.Summary = fmt.Sprintf("timed out after %s (limit %s)", elapsed.Round(time.Second), timeout)
			events = append(events, Event{
				Type: EventTimeout, SessionID: s.ID, TaskID: s.TaskID, AgentName: s.AgentName,
				At: now, Idle: idle, Elapsed: elapsed, Message: s.Summary,
			})
			continue
		}

		if idle > t.cfg.StallThreshold && s.Status != StatusStalled {
			s.Status = StatusStalled
			s.StallCount++
			events = append(events, Event{
				Type: EventStall, SessionID: s.ID, TaskID: s.TaskID, AgentName: s.AgentName,
				At: now, Idle: idle, Elapsed: elapsed, StallCount: s.StallCount,
				Message: fmt.Sprintf("no checkpoint for %s", idle.Round(time.Second)),
			})
		}
	}
	t.mu.Unlock()

	for _, ev := range events {
		if ev.Type == EventTimeout {
			t.logger.Warn("session timed out", zap.String("session_id", ev.SessionID), zap.String("agent", ev.AgentName), zap.Duration("elapsed", ev.Elapsed))
		} else {
			t.logger.Warn("session stalled", zap.String("session_id", ev.SessionID), zap.String("agent", ev.AgentName), zap.Duration("idle", ev.Idle))
		}
		t.emit(ev)
	}
}

// Run polls every PollInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Poll()
		}
	}
}

// Complete closes a session with a completion or error checkpoint and moves
// it to history. A session that already timed out stays Failed.
func (t *Tracker) Complete(sessionID string, success bool, summary string) error {
	return t.finish(sessionID, func(s *Session, now time.Time) {
		typ := CheckpointCompletion
		if !success {
			typ = CheckpointError
			s.ErrorCount++
		}
		var pct *float64
		if success {
			full := 100.0
			pct = &full
		}
		t.checkpointLocked(s, typ, summary, pct)
		switch {
		case s.Status == StatusFailed && s.Summary != "":
			// timed out earlier; keep the timeout summary
		case success:
			s.Status = StatusCompleted
			s.Summary = summary
		default:
			s.Status = StatusFailed
			s.Summary = summary
		}
	})
}

// Cancel closes a session as cancelled.
func (t *Tracker) Cancel(sessionID, reason string) error {
	return t.finish(sessionID, func(s *Session, now time.Time) {
		s.Checkpoints = append(s.Checkpoints, Checkpoint{Type: CheckpointError, Timestamp: now, Description: "cancelled: " + reason})
		s.Status = StatusCancelled
		s.Summary = reason
	})
}

func (t *Tracker) finish(sessionID string, apply func(*Session, time.Time)) error {
	now := t.clock.Now()

	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	delete(t.sessions, sessionID)
	apply(s, now)
	s.CompletedAt = &now
	t.history = append(t.history, s.clone())
	if len(t.history) > t.cfg.HistoryLimit {
		t.history = t.history[len(t.history)-t.cfg.HistoryLimit:]
	}
	status := s.Status
	t.mu.Unlock()

	t.logger.Debug("session finished", zap.String("session_id", sessionID), zap.String("status", string(status)))
	if err := t.persistHistory(); err != nil {
		t.logger.Warn("persist progress history", zap.Error(err))
	}
	return nil
}

// Session returns an active or historical session.
func (t *Tracker) Session(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		return s.clone(), true
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == sessionID {
			return t.history[i], true
		}
	}
	return Session{}, false
}

// Active returns snapshots of sessions not yet finished.
func (t *Tracker) Active() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.clone())
	}
	return out
}

// History returns finished sessions in completion order.
func (t *Tracker) History() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, len(t.history))
	copy(out, t.history)
	return out
}

// Stats summarizes the tracker.
type Stats struct {
	Active        int   `json:"active"`
	Stalled       int   `json:"stalled"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	Cancelled     int   `json:"cancelled"`
	DroppedEvents int64 `json:"dropped_events"`
}

// Stats returns session counts.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{DroppedEvents: t.dropped.Load()}
	for _, sess := range t.sessions {
		s.Active++
		if sess.Status == StatusStalled {
			s.Stalled++
		}
	}
	for _, sess := range t.history {
		switch sess.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// LoadHistory restores progress history from a previous run.
func (t *Tracker) LoadHistory() error {
	if t.cfg.HistoryPath == "" {
		return nil
	}
	var loaded []Session
	if err := store.Load(t.cfg.HistoryPath, &loaded); err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			t.logger.Warn("progress history unreadable, starting empty", zap.Error(err))
		}
		return err
	}
	if len(loaded) > t.cfg.HistoryLimit {
		loaded = loaded[len(loaded)-t.cfg.HistoryLimit:]
	}
	t.mu.Lock()
	t.history = loaded
	t.mu.Unlock()
	return nil
}

func (t *Tracker) persistHistory() error {
	if t.cfg.HistoryPath == "" {
		return nil
	}
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	return store.Save(t.cfg.HistoryPath, t.History())
}

func (t *Tracker) emit(ev Event) {
	if t.metrics != nil {
		t.metrics.ProgressEvents.WithLabelValues(string(ev.Type)).Inc()
	}
	select {
	case t.events <- ev:
	default:
		t.dropped.Add(1)
		if t.metrics != nil {
			t.metrics.DroppedEvents.Inc()
		}
		t.logger.Warn("progress event dropped", zap.String("type", string(ev.Type)), zap.String("session_id", ev.SessionID))
	}
}

// Reporter adapts a session to agent.Reporter so a runner can feed checkpoints.
func (t *Tracker) Reporter(sessionID string) agent.Reporter {
	return sessionReporter{t: t, id: sessionID}
}

type sessionReporter struct {
	t  *Tracker
	id string
}

func (r sessionReporter) Checkpoint(description string, pct *float64) {
	_ = r.t.AddCheckpoint(r.id, CheckpointMilestone, description, pct)
}

func (r sessionReporter) ToolUsage(tool string) {
	_ = r.t.AddCheckpoint(r.id, CheckpointToolUsage, tool, nil)
}

func (r sessionReporter) Error(message string) {
	_ = r.t.ReportError(r.id, message)
}
