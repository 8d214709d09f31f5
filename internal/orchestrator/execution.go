package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/progress"
	"github.com/ShayCichocki/relay/pkg/models"
)

// cancelGrace is how long a cancelled runner gets to return before its
// attempt is abandoned.
const cancelGrace = 5 * time.Second

var (
	errAbandoned = errors.New("runner did not return after cancellation")
	errTimedOut  = errors.New("agent timed out")
)

// attempt is one monitored run of a task on one agent type.
type attempt struct {
	taskID    string
	agentType string
	sessionID string
	events    chan progress.Event
}

type outcome struct {
	result string
	err    error
}

type attemptResult struct {
	result string
	err    error
	// takeover is set when a backup should replace this attempt.
	takeover string
	// aborted is set when the orchestrator itself stopped the attempt.
	aborted bool
}

// execute runs ts to a terminal status, deploying a backup when the first
// attempt stalls twice, times out, or errors on the critical path.
func (o *Orchestrator) execute(ctx context.Context, ts *taskState) {
	t := o.snapshot(ts)
	agentType := t.AssignedAgent

	res := o.runAttempt(ctx, ts, agentType, o.estimate(ts, agentType, t.BackupAgentUsed), !t.BackupAgentUsed)

	if res.takeover != "" {
		if d, ok := o.resolver.Deploy(agentType, t.ID, t.Description, o.criticality(ts), t.Context); ok {
			o.update(ts, func(t *models.Task) {
				t.AssignedAgent = d.BackupAgent
				t.BackupAgentUsed = true
				t.DeploymentID = d.ID
			})
			o.mu.Lock()
			o.stats.BackupDeployments++
			o.mu.Unlock()
			o.emit(OrchestratorEvent{
				Type:        EventBackupDeployed,
				TaskID:      t.ID,
				AgentType:   agentType,
				BackupAgent: d.BackupAgent,
				Status:      models.TaskStatusExecuting,
				Message:     res.takeover,
			})
			res = o.runAttempt(ctx, ts, d.BackupAgent, o.estimate(ts, d.BackupAgent, true), false)
		} else {
			res.err = fmt.Errorf("%s; no backup available", res.takeover)
		}
	}

	status := models.TaskStatusCompleted
	reason := ""
	if res.err != nil {
		status = models.TaskStatusFailed
		reason = res.err.Error()
	}

	if id := o.snapshot(ts).DeploymentID; id != "" {
		var err error
		if res.aborted {
			err = o.resolver.Cancel(id, reason)
		} else {
			err = o.resolver.Complete(id, res.err == nil, summarize(res.result), reason)
		}
		if err != nil {
			o.logger.Warn("close deployment", zap.String("deployment_id", id), zap.Error(err))
		}
		o.recordDeployment(id)
	}

	o.finish(ts, status, reason, res.result)
}

// runAttempt acquires a handle, opens a progress session and runs the task,
// reacting to that session's stall, timeout and error events. With
// canRecover false the attempt never asks for a takeover.
func (o *Orchestrator) runAttempt(ctx context.Context, ts *taskState, agentType string, estimate time.Duration, canRecover bool) attemptResult {
	t := o.snapshot(ts)
	log := o.logger.With(zap.String("task_id", t.ID), zap.String("agent_type", agentType))
	probe := ts.probe && agentType == t.AgentType && !t.BackupAgentUsed

	h, err := o.pool.Acquire(agentType, t.ID)
	if err != nil {
		res := attemptResult{err: fmt.Errorf("acquire %s agent: %w", agentType, err)}
		if ctx.Err() != nil {
			res.aborted = true
			if probe {
				o.circuits.ReleaseProbe(agentType)
			}
			return res
		}
		o.circuits.RecordFailure(agentType, res.err.Error())
		if canRecover && t.CriticalPath {
			res.takeover = res.err.Error()
		}
		return res
	}

	sid := o.tracker.StartSession(agentType, t.ID, estimate)
	a := &attempt{taskID: t.ID, agentType: agentType, sessionID: sid, events: make(chan progress.Event, 8)}
	o.runsMu.Lock()
	o.runs[sid] = a
	o.runsMu.Unlock()
	defer func() {
		o.runsMu.Lock()
		delete(o.runs, sid)
		o.runsMu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(agent.WithReporter(ctx, o.tracker.Reporter(sid)))
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		result, err := o.runner.RunTask(runCtx, agentType, t.Description)
		done <- outcome{result: result, err: err}
	}()

	log.Info("attempt started", zap.String("session_id", sid), zap.String("handle", h.ID), zap.Duration("estimate", estimate))

	var res attemptResult
	stop := func(takeover string, err error) {
		cancel()
		res.takeover = takeover
		out := o.awaitCancelled(done)
		res.result = ""
		res.err = err
		if res.err == nil {
			res.err = out.err
		}
	}

loop:
	for {
		select {
		case out := <-done:
			res.result, res.err = out.result, out.err
			if res.err != nil && canRecover && t.CriticalPath {
				res.takeover = fmt.Sprintf("agent error on critical path: %v", res.err)
			}
			break loop

		case ev := <-a.events:
			switch ev.Type {
			case progress.EventStall:
				o.mu.Lock()
				o.stats.Stalls++
				o.mu.Unlock()
				o.emit(OrchestratorEvent{Type: EventAgentStalled, TaskID: t.ID, AgentType: agentType, Status: models.TaskStatusExecuting, Message: ev.Message})

				if ev.StallCount <= 1 {
					if n, err := o.tracker.Stimulate(sid); err == nil {
						o.mu.Lock()
						o.stats.Stimulations++
						o.mu.Unlock()
						o.emit(OrchestratorEvent{Type: EventAgentStimulated, TaskID: t.ID, AgentType: agentType, Status: models.TaskStatusExecuting, Message: fmt.Sprintf("stimulation %d", n)})
					}
					continue
				}
				if canRecover {
					why := fmt.Sprintf("%s stalled %d times", agentType, ev.StallCount)
					stop(why, errors.New(why))
					break loop
				}

			case progress.EventTimeout:
				o.mu.Lock()
				o.stats.Timeouts++
				o.mu.Unlock()
				o.emit(OrchestratorEvent{Type: EventAgentTimedOut, TaskID: t.ID, AgentType: agentType, Status: models.TaskStatusExecuting, Message: ev.Message})

				takeover := ""
				if canRecover {
					takeover = fmt.Sprintf("%s timed out: %s", agentType, ev.Message)
				}
				stop(takeover, fmt.Errorf("%w: %s", errTimedOut, ev.Message))
				break loop

			case progress.EventError:
				if canRecover && t.CriticalPath {
					why := fmt.Sprintf("agent error on critical path: %s", ev.Message)
					stop(why, errors.New(why))
					break loop
				}
			}

		case <-ctx.Done():
			stop("", ctx.Err())
			res.aborted = true
			break loop
		}
	}

	success := res.err == nil
	summary := summarize(res.result)
	if !success {
		summary = res.err.Error()
	}

	switch {
	case res.aborted:
		if probe {
			o.circuits.ReleaseProbe(agentType)
		}
		o.pool.Evict(h.ID)
	case success:
		o.circuits.RecordSuccess(agentType)
		if err := o.pool.Release(h); err != nil {
			log.Warn("release handle", zap.Error(err))
		}
	default:
		o.circuits.RecordFailure(agentType, summary)
		o.pool.MarkError(h, res.err)
	}

	if err := o.tracker.Complete(sid, success, summary); err != nil {
		log.Debug("complete session", zap.Error(err))
	}

	log.Info("attempt finished", zap.Bool("success", success), zap.String("takeover", res.takeover))
	return res
}

// awaitCancelled waits for a cancelled runner to return.
func (o *Orchestrator) awaitCancelled(done <-chan outcome) outcome {
	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()
	select {
	case out := <-done:
		return out
	case <-timer.C:
		o.logger.Warn("abandoning runner that ignored cancellation")
		return outcome{err: errAbandoned}
	}
}

// estimate picks the session time budget: the caller's estimate for the
// primary agent, the backup profile's limit for backups, then the agent
// type's configured timeout.
func (o *Orchestrator) estimate(ts *taskState, agentType string, backup bool) time.Duration {
	if backup {
		if p, ok := o.resolver.Profile(agentType); ok && p.MaxTaskSeconds > 0 {
			return time.Duration(p.MaxTaskSeconds) * time.Second
		}
	} else if ts.estimate > 0 {
		return ts.estimate
	}
	if d := o.circuits.Config(agentType).Timeout(); d > 0 {
		return d
	}
	return o.cfg.DefaultEstimate
}

// routeEvents forwards tracker events to the attempt owning the session.
func (o *Orchestrator) routeEvents(ctx context.Context) error {
	events := o.tracker.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			o.runsMu.Lock()
			a, ok := o.runs[ev.SessionID]
			o.runsMu.Unlock()
			if !ok {
				o.logger.Debug("progress event for finished session",
					zap.String("session_id", ev.SessionID),
					zap.String("type", string(ev.Type)))
				continue
			}
			select {
			case a.events <- ev:
			default:
				o.logger.Warn("attempt event buffer full, dropping",
					zap.String("task_id", a.taskID),
					zap.String("type", string(ev.Type)))
			}
		}
	}
}

func summarize(result string) string {
	const limit = 200
	if len(result) <= limit {
		return result
	}
	return result[:limit] + "..."
}
