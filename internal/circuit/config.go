package circuit

import (
	"time"

	"github.com/ShayCichocki/relay/pkg/models"
)

// AgentConfig is the per-agent-type circuit policy.
type AgentConfig struct {
	// Priority decides how a blocked circuit is handled. Critical agents are never skipped.
	Priority models.Priority `json:"priority"`
	// TimeoutSeconds is the expected upper bound of one task on this agent type.
	TimeoutSeconds int `json:"timeout_seconds"`
	// RetryAttempts is the consecutive failure count that opens the circuit.
	RetryAttempts int `json:"retry_attempts"`
	// BackupAgents lists substitute agent types in preference order.
	BackupAgents []string `json:"backup_agents,omitempty"`
	// CanSkip allows tasks to be skipped when the circuit is open and no backup exists.
	CanSkip bool `json:"can_skip"`
	// RequiresManualIntervention is surfaced to callers when the agent type is skipped or blocked.
	RequiresManualIntervention bool `json:"requires_manual_intervention"`
}

// Timeout returns TimeoutSeconds as a duration.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// normalized fills zero or invalid fields from the default config.
func (c AgentConfig) normalized() AgentConfig {
	def := DefaultAgentConfig()
	if !c.Priority.Valid() {
		c.Priority = def.Priority
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.Priority == models.PriorityCritical {
		c.CanSkip = false
	}
	return c
}

// DefaultAgentConfig is applied to agent types without explicit configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Priority:       models.PriorityMedium,
		TimeoutSeconds: 600,
		RetryAttempts:  3,
		CanSkip:        true,
	}
}

// DefaultConfigs returns the built-in agent type table.
// Critical agents get higher retry thresholds and cannot be skipped.
func DefaultConfigs() map[string]AgentConfig {
	return map[string]AgentConfig{
		"security-fixer": {
			Priority:                   models.PriorityCritical,
			TimeoutSeconds:             1800,
			RetryAttempts:              5,
			BackupAgents:               []string{"code-analyzer"},
			CanSkip:                    false,
			RequiresManualIntervention: true,
		},
		"precision-editor": {
			Priority:       models.PriorityHigh,
			TimeoutSeconds: 900,
			RetryAttempts:  3,
			BackupAgents:   []string{"code-analyzer", "general-purpose"},
			CanSkip:        true,
		},
		"code-analyzer": {
			Priority:       models.PriorityMedium,
			TimeoutSeconds: 600,
			RetryAttempts:  3,
			BackupAgents:   []string{"general-purpose"},
			CanSkip:        true,
		},
		"content-scraper": {
			Priority:       models.PriorityLow,
			TimeoutSeconds: 300,
			RetryAttempts:  2,
			BackupAgents:   []string{"general-purpose"},
			CanSkip:        true,
		},
		"document-converter": {
			Priority:       models.PriorityLow,
			TimeoutSeconds: 300,
			RetryAttempts:  2,
			BackupAgents:   []string{"general-purpose"},
			CanSkip:        true,
		},
		"general-purpose": {
			Priority:       models.PriorityMedium,
			TimeoutSeconds: 900,
			RetryAttempts:  3,
			CanSkip:        true,
		},
	}
}
