package orchestrator

import (
	"time"

	"github.com/ShayCichocki/relay/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskQueued indicates a task was admitted and waits for dispatch.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted indicates a task has started execution.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates the agent type was unavailable and skippable.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskRejected indicates admission was denied.
	EventTaskRejected EventType = "task_rejected"
	// EventTaskCancelled indicates a queued task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventBackupDeployed indicates a backup agent took over a task.
	EventBackupDeployed EventType = "backup_deployed"
	// EventAgentStalled indicates the running agent stopped reporting progress.
	EventAgentStalled EventType = "agent_stalled"
	// EventAgentStimulated indicates a stalled agent was nudged.
	EventAgentStimulated EventType = "agent_stimulated"
	// EventAgentTimedOut indicates the running agent exceeded its time budget.
	EventAgentTimedOut EventType = "agent_timed_out"
	// EventConcurrencyChanged indicates the dispatch limit moved under resource pressure.
	EventConcurrencyChanged EventType = "concurrency_changed"
)

// OrchestratorEvent represents an event emitted by the orchestrator.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// TaskID is the ID of the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// AgentType is the agent type involved.
	AgentType string `json:"agent_type,omitempty"`
	// BackupAgent is set for backup deployments.
	BackupAgent string `json:"backup_agent,omitempty"`
	// Status is the task status after the event.
	Status models.TaskStatus `json:"status,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Duration is the execution time for terminal events.
	Duration time.Duration `json:"duration,omitempty"`
}
