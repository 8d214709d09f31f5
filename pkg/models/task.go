package models

import "time"

// TaskStatus represents where a task is in the delegation pipeline.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task was accepted but not yet admitted.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusCircuitChecked indicates the agent type's circuit has been consulted.
	TaskStatusCircuitChecked TaskStatus = "circuit_checked"
	// TaskStatusAssigned indicates the task waits for dispatch on its requested agent type.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusBackupAssigned indicates the task waits for dispatch on a backup agent type.
	TaskStatusBackupAssigned TaskStatus = "backup_assigned"
	// TaskStatusSkipped indicates the circuit was open, no backup existed and the agent type may be skipped.
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusRejected indicates admission was denied.
	TaskStatusRejected TaskStatus = "rejected"
	// TaskStatusExecuting indicates an agent is working on the task.
	TaskStatusExecuting TaskStatus = "executing"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task finished unsuccessfully.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was removed from the queue before dispatch.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusCircuitChecked, TaskStatusAssigned, TaskStatusBackupAssigned,
		TaskStatusSkipped, TaskStatusRejected, TaskStatusExecuting, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions can happen.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSkipped, TaskStatusRejected, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsWaiting returns true while the task sits in the dispatch queue.
func (s TaskStatus) IsWaiting() bool {
	return s == TaskStatusAssigned || s == TaskStatusBackupAssigned
}

// Task represents a unit of delegated work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ParentID is the task that delegated this one, if any.
	ParentID string `json:"parent_id,omitempty"`
	// AgentType is the agent type the caller asked for.
	AgentType string `json:"agent_type"`
	// AssignedAgent is the agent type that will actually run the task.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// Description is the prompt handed to the agent.
	Description string `json:"description"`
	// Priority is the caller's priority for the task.
	Priority Priority `json:"priority"`
	// CriticalPath marks tasks whose failure blocks the workflow.
	CriticalPath bool `json:"critical_path"`
	// Context carries opaque caller data.
	Context map[string]any `json:"context,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// BackupAgentUsed is set when a backup agent ran the task.
	BackupAgentUsed bool `json:"backup_agent_used"`
	// DeploymentID references the backup deployment, if one was made.
	DeploymentID string `json:"deployment_id,omitempty"`
	// RequiresManualIntervention is surfaced when a skipped agent type asks for a human.
	RequiresManualIntervention bool `json:"requires_manual_intervention,omitempty"`
	// Reason explains skips, rejections and failures.
	Reason string `json:"reason,omitempty"`
	// Result is the agent output on success.
	Result string `json:"result,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when execution began, if it did.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Criticality returns the criticality used for backup selection.
func (t *Task) Criticality() Criticality {
	if t.CriticalPath || t.Priority == PriorityCritical {
		return CriticalityCritical
	}
	if t.Priority == PriorityHigh {
		return CriticalityHigh
	}
	return CriticalityNormal
}

// Duration returns how long the task executed, or zero if it never started or is still running.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
