package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/delegation"
	"github.com/ShayCichocki/relay/internal/metrics"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/pool"
	"github.com/ShayCichocki/relay/internal/progress"
	"github.com/ShayCichocki/relay/internal/reload"
	"github.com/ShayCichocki/relay/internal/resource"
	"github.com/ShayCichocki/relay/internal/state"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
type RequiredConfig struct {
	// Runner is the execution layer that performs tasks.
	Runner agent.Runner
}

// Config holds dispatcher settings.
type Config struct {
	// MaxConcurrentTasks caps concurrently executing tasks.
	MaxConcurrentTasks int
	// QueueSize caps tasks waiting for dispatch. Submissions beyond it are rejected.
	QueueSize int
	// DefaultEstimate is the run time budget for agent types with no configured timeout.
	DefaultEstimate time.Duration
	// HistoryLimit bounds the in-memory finished task list.
	HistoryLimit int
	// EventBuffer is the orchestrator event channel size.
	EventBuffer int
	// GateInterval is how often a throttled dispatcher rechecks resources.
	GateInterval time.Duration
}

// DefaultConfig returns 4 concurrent tasks and a 256 entry queue.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 4,
		QueueSize:          256,
		DefaultEstimate:    10 * time.Minute,
		HistoryLimit:       500,
		EventBuffer:        256,
		GateInterval:       time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DefaultEstimate <= 0 {
		c.DefaultEstimate = d.DefaultEstimate
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.GateInterval <= 0 {
		c.GateInterval = d.GateInterval
	}
	return c
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
// Components left nil are built with their package defaults.
type orchestratorOptions struct {
	config  Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	circuits *circuit.Registry
	pool     *pool.Pool
	resolver *backup.Resolver
	guard    *delegation.Guard
	broker   *oversight.Broker
	tracker  *progress.Tracker
	gate     resource.Gate
	ledger   state.Ledger
	watcher  *reload.Watcher
}

// WithConfig sets dispatcher settings.
func WithConfig(c Config) Option {
	return func(o *orchestratorOptions) { o.config = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithClock sets the clock used for task timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *orchestratorOptions) { o.clock = c }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithCircuits sets the circuit registry.
func WithCircuits(r *circuit.Registry) Option {
	return func(o *orchestratorOptions) { o.circuits = r }
}

// WithPool sets the agent pool.
func WithPool(p *pool.Pool) Option {
	return func(o *orchestratorOptions) { o.pool = p }
}

// WithResolver sets the backup resolver.
func WithResolver(r *backup.Resolver) Option {
	return func(o *orchestratorOptions) { o.resolver = r }
}

// WithGuard sets the delegation guard.
func WithGuard(g *delegation.Guard) Option {
	return func(o *orchestratorOptions) { o.guard = g }
}

// WithBroker sets the oversight broker.
func WithBroker(b *oversight.Broker) Option {
	return func(o *orchestratorOptions) { o.broker = b }
}

// WithTracker sets the progress tracker.
func WithTracker(t *progress.Tracker) Option {
	return func(o *orchestratorOptions) { o.tracker = t }
}

// WithResourceGate sets the resource gate consulted before each dispatch.
func WithResourceGate(g resource.Gate) Option {
	return func(o *orchestratorOptions) { o.gate = g }
}

// WithLedger sets the store terminal tasks and deployments are written to.
func WithLedger(l state.Ledger) Option {
	return func(o *orchestratorOptions) { o.ledger = l }
}

// WithWatcher sets a config file watcher run alongside the background loops.
func WithWatcher(w *reload.Watcher) Option {
	return func(o *orchestratorOptions) { o.watcher = w }
}
