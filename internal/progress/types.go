package progress

import "time"

// SessionStatus is the lifecycle state of a monitored run.
type SessionStatus string

const (
	StatusNotStarted   SessionStatus = "not_started"
	StatusInitializing SessionStatus = "initializing"
	StatusInProgress   SessionStatus = "in_progress"
	StatusStalled      SessionStatus = "stalled"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusCancelled    SessionStatus = "cancelled"
)

// IsActive reports whether the poller still watches the session.
func (s SessionStatus) IsActive() bool {
	return s == StatusInitializing || s == StatusInProgress || s == StatusStalled
}

// CheckpointType classifies a checkpoint.
type CheckpointType string

const (
	CheckpointStart      CheckpointType = "start"
	CheckpointMilestone  CheckpointType = "milestone"
	CheckpointToolUsage  CheckpointType = "tool_usage"
	CheckpointValidation CheckpointType = "validation"
	CheckpointCompletion CheckpointType = "completion"
	CheckpointError      CheckpointType = "error"
)

// Checkpoint is one progress report.
type Checkpoint struct {
	Type        CheckpointType `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	ProgressPct *float64       `json:"progress_pct,omitempty"`
}

// Session is the checkpoint log of one agent run.
type Session struct {
	ID                 string        `json:"id"`
	AgentName          string        `json:"agent_name"`
	TaskID             string        `json:"task_id"`
	Status             SessionStatus `json:"status"`
	StartedAt          time.Time     `json:"started_at"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	Estimated          time.Duration `json:"estimated"`
	CurrentProgressPct float64       `json:"current_progress_pct"`
	ErrorCount         int           `json:"error_count"`
	StallCount         int           `json:"stall_count"`
	Stimulations       int           `json:"stimulations"`
	Summary            string        `json:"summary,omitempty"`
	Checkpoints        []Checkpoint  `json:"checkpoints"`
}

func (s *Session) clone() Session {
	c := *s
	c.Checkpoints = append([]Checkpoint(nil), s.Checkpoints...)
	return c
}

// EventType tags events on the tracker channel.
type EventType string

const (
	EventStall   EventType = "stall"
	EventTimeout EventType = "timeout"
	EventError   EventType = "error"
)

// Event reports a condition the orchestrator may recover from.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	TaskID    string        `json:"task_id"`
	AgentName string        `json:"agent_name"`
	At        time.Time     `json:"at"`
	Idle      time.Duration `json:"idle,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	// StallCount is the number of stall episodes so far, including this one.
	StallCount int    `json:"stall_count,omitempty"`
	Message    string `json:"message,omitempty"`
}
