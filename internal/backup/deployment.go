package backup

import "time"

// DeploymentStatus is the lifecycle state of one backup activation.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentDeployed  DeploymentStatus = "deployed"
	DeploymentCompleted DeploymentStatus = "completed"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentCancelled DeploymentStatus = "cancelled"
)

// IsTerminal reports whether the deployment has left the active set.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed || s == DeploymentCancelled
}

// Deployment records one backup activation.
type Deployment struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	FailedAgent     string           `json:"failed_agent"`
	BackupAgent     string           `json:"backup_agent"`
	TaskDescription string           `json:"task_description"`
	Criticality     string           `json:"criticality"`
	Context         map[string]any   `json:"context,omitempty"`
	Status          DeploymentStatus `json:"status"`
	DeployedAt      time.Time        `json:"deployed_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	ResultSummary   string           `json:"result_summary,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	// Probe is set when the deployment holds its backup agent's half-open probe.
	Probe bool `json:"probe,omitempty"`
}

// Duration is the deployed-to-completed time, or zero while active.
func (d Deployment) Duration() time.Duration {
	if d.CompletedAt == nil {
		return 0
	}
	return d.CompletedAt.Sub(d.DeployedAt)
}

// AuditEntry is one line of the deployment audit trail.
type AuditEntry struct {
	At           time.Time `json:"at"`
	DeploymentID string    `json:"deployment_id"`
	TaskID       string    `json:"task_id"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail,omitempty"`
}

// Statistics are read-only views derived from deployment history.
type Statistics struct {
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Cancelled      int            `json:"cancelled"`
	SuccessRate    float64        `json:"success_rate"`
	MeanDuration   time.Duration  `json:"mean_duration"`
	MostUsedBackup string         `json:"most_used_backup,omitempty"`
	PerBackup      map[string]int `json:"per_backup"`
}
