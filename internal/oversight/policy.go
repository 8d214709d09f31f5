package oversight

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// Operation names a gated metric.
type Operation string

const (
	OpDelegationDepth     Operation = "delegation_depth"
	OpMemoryPercent       Operation = "memory_percent"
	OpBackrefCount        Operation = "backref_count"
	OpParallelDelegations Operation = "parallel_delegations"
	OpCleanupFailures     Operation = "cleanup_failures"
	OpCircuitOverride     Operation = "circuit_override"
)

// Severity is the band a metric value falls into.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityApprovalRequired
	SeverityEmergency
)

// String returns the lowercase name of s.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityApprovalRequired:
		return "approval_required"
	case SeverityEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText encodes s by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	for _, v := range []Severity{SeverityInfo, SeverityWarning, SeverityApprovalRequired, SeverityEmergency} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}

// NeedsApproval reports whether a request at this severity must wait for a decision.
func (s Severity) NeedsApproval() bool {
	return s >= SeverityApprovalRequired
}

// Policy sets the severity bands and wait limits for one operation.
type Policy struct {
	Operation Operation `yaml:"operation" json:"operation"`
	// Low is the first value that logs a warning.
	Low float64 `yaml:"low" json:"low"`
	// High is the first value that needs approval.
	High float64 `yaml:"high" json:"high"`
	// Emergency defaults to twice High when zero.
	Emergency float64 `yaml:"emergency" json:"emergency"`
	// Timeout bounds how long a caller waits for a decision.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// AutoApproveAfter approves a pending request after this grace period. Zero disables it.
	AutoApproveAfter time.Duration `yaml:"auto_approve_after" json:"auto_approve_after"`
}

const defaultTimeout = 60 * time.Second

func (p Policy) normalized() Policy {
	if p.High < p.Low {
		p.High = p.Low
	}
	if p.Emergency <= 0 {
		p.Emergency = 2 * p.High
	}
	if p.Emergency < p.High {
		p.Emergency = p.High
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.AutoApproveAfter < 0 {
		p.AutoApproveAfter = 0
	}
	return p
}

// Evaluate returns the severity band of value.
func (p Policy) Evaluate(value float64) Severity {
	switch {
	case value < p.Low:
		return SeverityInfo
	case value < p.High:
		return SeverityWarning
	case value < p.Emergency:
		return SeverityApprovalRequired
	default:
		return SeverityEmergency
	}
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[Operation]Policy {
	list := []Policy{
		{Operation: OpDelegationDepth, Low: 2, High: 3, Timeout: 60 * time.Second},
		{Operation: OpMemoryPercent, Low: 70, High: 85, Emergency: 95, Timeout: 30 * time.Second},
		{Operation: OpBackrefCount, Low: 50, High: 100, Timeout: 60 * time.Second},
		{Operation: OpParallelDelegations, Low: 3, High: 5, Timeout: 60 * time.Second, AutoApproveAfter: 45 * time.Second},
		{Operation: OpCleanupFailures, Low: 1, High: 5, Timeout: 120 * time.Second},
		{Operation: OpCircuitOverride, Low: 0, High: 1, Emergency: 10, Timeout: 300 * time.Second},
	}
	out := make(map[Operation]Policy, len(list))
	for _, p := range list {
		out[p.Operation] = p.normalized()
	}
	return out
}

// unknownPolicy applies to operations without a configured policy: every
// value needs approval.
func unknownPolicy(op Operation) Policy {
	return Policy{Operation: op, Low: 0, High: 0, Emergency: 1e18, Timeout: defaultTimeout}
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// ReadPolicies parses a YAML policy file.
func ReadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oversight policies: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse oversight policies %s: %w", path, err)
	}
	for i, p := range f.Policies {
		if p.Operation == "" {
			return nil, fmt.Errorf("oversight policy %d in %s has no operation", i, path)
		}
	}
	return f.Policies, nil
}
