package backup

import "slices"

// Profile describes an agent type that can stand in for others.
type Profile struct {
	Name string `json:"name"`
	// Capabilities is informational; selection does not match on it.
	Capabilities []string `json:"capabilities"`
	// Priority orders candidates, lower is preferred.
	Priority int `json:"priority"`
	// MaxTaskSeconds bounds how long a backup run may take.
	MaxTaskSeconds int `json:"max_task_seconds"`
	// CanHandleCritical admits the profile for critical work.
	CanHandleCritical bool `json:"can_handle_critical"`
	// DelegationChain lists the agent types this profile substitutes for, in order.
	DelegationChain []string `json:"delegation_chain"`
}

// Substitutes reports whether p lists agentType in its delegation chain.
func (p Profile) Substitutes(agentType string) bool {
	return slices.Contains(p.DelegationChain, agentType)
}

// unknownPriority ranks candidates without a profile after every profiled one.
const unknownPriority = 1000

// DefaultProfiles returns the built-in backup table.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:              "security-fixer",
			Capabilities:      []string{"security_review", "vulnerability_fix", "code_edit"},
			Priority:          0,
			MaxTaskSeconds:    1800,
			CanHandleCritical: true,
		},
		{
			Name:              "precision-editor",
			Capabilities:      []string{"code_edit", "refactor"},
			Priority:          1,
			MaxTaskSeconds:    900,
			CanHandleCritical: true,
			DelegationChain:   []string{"security-fixer"},
		},
		{
			Name:              "code-analyzer",
			Capabilities:      []string{"code_analysis", "code_edit", "review"},
			Priority:          2,
			MaxTaskSeconds:    600,
			CanHandleCritical: true,
			DelegationChain:   []string{"precision-editor", "security-fixer"},
		},
		{
			Name:            "document-converter",
			Capabilities:    []string{"document_conversion", "formatting"},
			Priority:        3,
			MaxTaskSeconds:  300,
			DelegationChain: []string{"content-scraper"},
		},
		{
			Name:            "content-scraper",
			Capabilities:    []string{"web_fetch", "extraction"},
			Priority:        4,
			MaxTaskSeconds:  300,
			DelegationChain: []string{"document-converter"},
		},
		{
			Name:           "general-purpose",
			Capabilities:   []string{"code_edit", "code_analysis", "web_fetch", "document_conversion"},
			Priority:       5,
			MaxTaskSeconds: 900,
			DelegationChain: []string{
				"precision-editor", "code-analyzer", "content-scraper", "document-converter",
			},
		},
	}
}
