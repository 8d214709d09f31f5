package models

// Priority ranks agent types and tasks.
type Priority string

const (
	// PriorityCritical is for agents whose circuit opening is a hard stop.
	PriorityCritical Priority = "critical"
	// PriorityHigh is for agents that should be backed up quickly.
	PriorityHigh Priority = "high"
	// PriorityMedium is the default.
	PriorityMedium Priority = "medium"
	// PriorityLow is for agents whose work can be dropped.
	PriorityLow Priority = "low"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns 0 for critical through 3 for low. Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Criticality controls which backup agents may substitute for a failed one.
type Criticality string

const (
	// CriticalityCritical only admits backups that can handle critical work.
	CriticalityCritical Criticality = "critical"
	// CriticalityHigh admits any backup.
	CriticalityHigh Criticality = "high"
	// CriticalityNormal admits any backup.
	CriticalityNormal Criticality = "normal"
)
