// Package backup selects substitute agents for failed ones and tracks the
// lifecycle of every backup deployment.
package backup

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
	"github.com/ShayCichocki/relay/internal/store"
	"github.com/ShayCichocki/relay/pkg/models"
)

// ErrUnknownDeployment is returned for IDs that are not active.
var ErrUnknownDeployment = errors.New("unknown or finished deployment")

const maxAuditEntries = 1000

// Circuits is the view of the circuit registry the resolver needs.
type Circuits interface {
	IsExecutable(agentType string) bool
	TryAcquire(agentType string) (allowed, probe bool)
	ReleaseProbe(agentType string)
	Config(agentType string) circuit.AgentConfig
}

// Config controls persistence.
type Config struct {
	// HistoryPath is rewritten on every completion. Empty disables persistence.
	HistoryPath string
	// HistoryLimit bounds the persisted history.
	HistoryLimit int
}

// Resolver picks backup agents and owns deployment records.
type Resolver struct {
	cfg      Config
	circuits Circuits

	mu       sync.RWMutex
	profiles map[string]Profile
	active   map[string]*Deployment
	history  []Deployment
	audit    []AuditEntry

	persistMu sync.Mutex

	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// NewResolver creates a resolver with the built-in profiles.
func NewResolver(cfg Config, circuits Circuits, logger *zap.Logger, clk clock.Clock, m *metrics.Metrics) *Resolver {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	r := &Resolver{
		cfg:      cfg,
		circuits: circuits,
		active:   make(map[string]*Deployment),
		metrics:  m,
		clock:    clock.OrReal(clk),
		logger:   logging.OrNop(logger).Named("backup"),
	}
	r.profiles = indexProfiles(DefaultProfiles())
	return r
}

func indexProfiles(list []Profile) map[string]Profile {
	out := make(map[string]Profile, len(list))
	for _, p := range list {
		if p.Name == "" {
			continue
		}
		out[p.Name] = p
	}
	return out
}

// Candidates returns every agent type that may substitute for failedAgent, in
// preference order, without checking circuits.
func (r *Resolver) Candidates(failedAgent string) []Profile {
	var names []string
	seen := map[string]bool{failedAgent: true}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	if r.circuits != nil {
		for _, name := range r.circuits.Config(failedAgent).BackupAgents {
			add(name)
		}
	}

	r.mu.RLock()
	for _, p := range r.profiles {
		if p.Substitutes(failedAgent) {
			add(p.Name)
		}
	}
	out := make([]Profile, 0, len(names))
	for _, name := range names {
		p, ok := r.profiles[name]
		if !ok {
			p = Profile{Name: name, Priority: unknownPriority}
		}
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FindBackup returns the preferred executable substitute for failedAgent
// without touching any circuit. Critical work only goes to profiles that can
// handle it.
func (r *Resolver) FindBackup(failedAgent string, criticality models.Criticality) (string, bool) {
	name, _, ok := r.selectBackup(failedAgent, criticality, false)
	return name, ok
}

// selectBackup walks the candidates in preference order. With acquire set the
// chosen circuit is entered through TryAcquire, so a recovering agent type
// hands out its half-open probe here like it does on the primary path.
func (r *Resolver) selectBackup(failedAgent string, criticality models.Criticality, acquire bool) (name string, probe, ok bool) {
	for _, p := range r.Candidates(failedAgent) {
		if criticality == models.CriticalityCritical && !p.CanHandleCritical {
			continue
		}
		if r.circuits != nil {
			if acquire {
				allowed, held := r.circuits.TryAcquire(p.Name)
				if !allowed {
					continue
				}
				return p.Name, held, true
			}
			if !r.circuits.IsExecutable(p.Name) {
				continue
			}
		}
		return p.Name, false, true
	}
	r.logger.Debug("no backup available",
		zap.String("failed_agent", failedAgent),
		zap.String("criticality", string(criticality)))
	return "", false, false
}

// Deploy activates a backup for a failed agent. It returns false when no
// backup is available. A deployment that took its agent type's half-open probe
// gives it back when cancelled.
func (r *Resolver) Deploy(failedAgent, taskID, description string, criticality models.Criticality, taskContext map[string]any) (Deployment, bool) {
	backupAgent, probe, ok := r.selectBackup(failedAgent, criticality, true)
	if !ok {
		return Deployment{}, false
	}

	now := r.clock.Now()
	d := &Deployment{
		ID:              uuid.NewString(),
		TaskID:          taskID,
		FailedAgent:     failedAgent,
		BackupAgent:     backupAgent,
		TaskDescription: description,
		Criticality:     string(criticality),
		Context:         taskContext,
		Status:          DeploymentPending,
		DeployedAt:      now,
		Probe:           probe,
	}

	r.mu.Lock()
	r.active[d.ID] = d
	r.auditLocked(d, "pending", fmt.Sprintf("%s -> %s", failedAgent, backupAgent))
	d.Status = DeploymentDeployed
	r.auditLocked(d, "deployed", "")
	snap := *d
	r.mu.Unlock()

	r.logger.Info("backup deployed",
		zap.String("deployment_id", d.ID),
		zap.String("task_id", taskID),
		zap.String("failed_agent", failedAgent),
		zap.String("backup_agent", backupAgent))
	return snap, true
}

// Complete finishes an active deployment and persists the history.
func (r *Resolver) Complete(id string, success bool, summary, failureReason string) error {
	status := DeploymentCompleted
	if !success {
		status = DeploymentFailed
	}
	return r.finish(id, status, summary, failureReason)
}

// Cancel abandons an active deployment.
func (r *Resolver) Cancel(id, reason string) error {
	return r.finish(id, DeploymentCancelled, "", reason)
}

func (r *Resolver) finish(id string, status DeploymentStatus, summary, reason string) error {
	now := r.clock.Now()

	r.mu.Lock()
	d, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	delete(r.active, id)
	d.Status = status
	d.CompletedAt = &now
	d.ResultSummary = summary
	d.FailureReason = reason
	r.history = append(r.history, *d)
	if len(r.history) > r.cfg.HistoryLimit {
		r.history = r.history[len(r.history)-r.cfg.HistoryLimit:]
	}
	r.auditLocked(d, string(status), reason)
	snap := *d
	r.mu.Unlock()

	if status == DeploymentCancelled && snap.Probe && r.circuits != nil {
		r.circuits.ReleaseProbe(snap.BackupAgent)
	}
	if r.metrics != nil {
		r.metrics.BackupDeployments.WithLabelValues(snap.BackupAgent, string(status)).Inc()
	}
	r.logger.Info("backup finished",
		zap.String("deployment_id", id),
		zap.String("backup_agent", snap.BackupAgent),
		zap.String("status", string(status)),
		zap.Duration("duration", snap.Duration()))

	if err := r.persistHistory(); err != nil {
		r.logger.Warn("persist deployment history", zap.Error(err))
	}
	return nil
}

func (r *Resolver) auditLocked(d *Deployment, event, detail string) {
	r.audit = append(r.audit, AuditEntry{
		At:           r.clock.Now(),
		DeploymentID: d.ID,
		TaskID:       d.TaskID,
		Event:        event,
		Detail:       detail,
	})
	if len(r.audit) > maxAuditEntries {
		r.audit = r.audit[len(r.audit)-maxAuditEntries:]
	}
}

func (r *Resolver) persistHistory() error {
	if r.cfg.HistoryPath == "" {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return store.Save(r.cfg.HistoryPath, r.History())
}

// LoadHistory restores history written by a previous run. A missing or
// corrupt file starts an empty history.
func (r *Resolver) LoadHistory() error {
	if r.cfg.HistoryPath == "" {
		return nil
	}
	var loaded []Deployment
	if err := store.Load(r.cfg.HistoryPath, &loaded); err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			r.logger.Warn("deployment history unreadable, starting empty", zap.Error(err))
		}
		return err
	}
	if len(loaded) > r.cfg.HistoryLimit {
		loaded = loaded[len(loaded)-r.cfg.HistoryLimit:]
	}
	r.mu.Lock()
	r.history = loaded
	r.mu.Unlock()
	return nil
}

// LoadProfiles replaces the profile table from a JSON list. On any error the
// built-in profiles are used.
func (r *Resolver) LoadProfiles(path string) error {
	var loaded []Profile
	if err := store.Load(path, &loaded); err != nil {
		r.mu.Lock()
		r.profiles = indexProfiles(DefaultProfiles())
		r.mu.Unlock()
		if !errors.Is(err, store.ErrNotExist) {
			r.logger.Warn("backup profiles unreadable, using defaults", zap.String("path", path), zap.Error(err))
		}
		return err
	}

	profiles := indexProfiles(loaded)
	r.mu.Lock()
	r.profiles = profiles
	r.mu.Unlock()
	r.logger.Info("backup profiles loaded", zap.String("path", path), zap.Int("profiles", len(profiles)))
	return nil
}

// ReloadProfiles is LoadProfiles under the name the config watcher uses.
func (r *Resolver) ReloadProfiles(path string) error {
	return r.LoadProfiles(path)
}

// SaveProfiles writes the current profile table.
func (r *Resolver) SaveProfiles(path string) error {
	if err := store.Save(path, r.Profiles()); err != nil {
		return fmt.Errorf("save backup profiles: %w", err)
	}
	return nil
}

// Profiles returns all profiles sorted by priority.
func (r *Resolver) Profiles() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Profile returns one profile by name.
func (r *Resolver) Profile(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Get returns an active or historical deployment.
func (r *Resolver) Get(id string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.active[id]; ok {
		return *d, true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i], true
		}
	}
	return Deployment{}, false
}

// Active returns active deployments ordered by deploy time.
func (r *Resolver) Active() []Deployment {
	r.mu.RLock()
	out := make([]Deployment, 0, len(r.active))
	for _, d := range r.active {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeployedAt.Before(out[j].DeployedAt) })
	return out
}

// History returns finished deployments in completion order.
func (r *Resolver) History() []Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Deployment, len(r.history))
	copy(out, r.history)
	return out
}

// AuditLog returns the audit trail, oldest first.
func (r *Resolver) AuditLog() []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditEntry, len(r.audit))
	copy(out, r.audit)
	return out
}

// Statistics summarizes deployment history.
func (r *Resolver) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Statistics{
		Active:    len(r.active),
		PerBackup: make(map[string]int),
	}
	var total time.Duration
	var timed int
	for _, d := range r.history {
		s.Total++
		s.PerBackup[d.BackupAgent]++
		switch d.Status {
		case DeploymentCompleted:
			s.Completed++
		case DeploymentFailed:
			s.Failed++
		case DeploymentCancelled:
			s.Cancelled++
		}
		if d.CompletedAt != nil {
			total += d.Duration()
			timed++
		}
	}
	if decided := s.Completed + s.Failed; decided > 0 {
		s.SuccessRate = float64(s.Completed) / float64(decided)
	}
	if timed > 0 {
		s.MeanDuration = total / time.Duration(timed)
	}
	best := 0
	for name, n := range s.PerBackup {
		if n > best || (n == best && name < s.MostUsedBackup) {
			best, s.MostUsedBackup = n, name
		}
	}
	return s
}
