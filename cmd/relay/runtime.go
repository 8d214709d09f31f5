package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/api"
	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/clock"
	"github.com/ShayCichocki/relay/internal/config"
	"github.com/ShayCichocki/relay/internal/delegation"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/pool"
	"github.com/ShayCichocki/relay/internal/progress"
	"github.com/ShayCichocki/relay/internal/reload"
	"github.com/ShayCichocki/relay/internal/resource"
	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/internal/store"
)

// runnerFactory builds the execution layer once metrics exist.
type runnerFactory func(m *metrics.Metrics) (agent.Runner, error)

// runtime is a fully wired orchestrator plus the resources it owns.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	ledger   *state.DB
	orch     *orchestrator.Orchestrator
}

// newLogger builds the process logger. The debug file lives in the data dir
// unless logging.file says otherwise.
func newLogger(cfg *config.Config) (*zap.Logger, func() error, error) {
	lc := cfg.Logging
	if lc.File == "" {
		lc.File = logging.DebugFile(cfg.Storage.DataDir)
	}
	return logging.New(lc)
}

// claudeRunner builds the Anthropic-backed runner behind rate limiting,
// a transport breaker and retries.
func claudeRunner(cfg *config.Config, logger *zap.Logger) runnerFactory {
	return func(m *metrics.Metrics) (agent.Runner, error) {
		if _, err := cfg.Anthropic.Credentials(); err != nil {
			return nil, err
		}
		client, err := api.NewClient(api.ClientConfig{
			Model:         anthropic.Model(cfg.Anthropic.Model),
			MaxTokens:     int64(cfg.Anthropic.MaxTokens),
			APIKey:        cfg.Anthropic.APIKey,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			return nil, fmt.Errorf("create API client: %w", err)
		}

		rc := api.DefaultReliableConfig()
		rc.RateLimit = cfg.Anthropic.RateLimit
		rc.RateBurst = cfg.Anthropic.RateBurst
		if cfg.Anthropic.Retries > 0 {
			rc.Attempts = cfg.Anthropic.Retries
		}
		return api.NewReliableRunner(api.NewClaudeRunner(client, logger), rc, logger, m), nil
	}
}

// newRuntime wires every component from cfg. State files are loaded from the
// data directory; missing circuit config and backup profiles are seeded with
// the built-in defaults so they can be edited in place.
func newRuntime(cfg *config.Config, logger *zap.Logger, build runnerFactory) (*runtime, error) {
	logger = logging.OrNop(logger)
	st := cfg.Storage
	if err := os.MkdirAll(st.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)
	clk := clock.New()

	circuits := circuit.NewRegistry(logger, clk)
	circuitPath := st.Path(config.CircuitConfigFile)
	if err := circuits.LoadConfig(circuitPath); errors.Is(err, store.ErrNotExist) {
		if err := circuits.SaveConfig(circuitPath); err != nil {
			logger.Warn("seed circuit config", zap.Error(err))
		}
	}

	broker := oversight.NewBroker(oversight.Config{
		FailOpen:      cfg.Oversight.FailOpen,
		SweepInterval: cfg.Oversight.SweepInterval,
		HistoryLimit:  500,
	}, logger, clk, m)
	if cfg.Oversight.PoliciesFile != "" {
		_ = broker.LoadPolicies(cfg.Oversight.PoliciesFile)
	}

	guard := delegation.NewGuard(delegation.Config{
		MaxDepth:    cfg.Delegation.MaxDepth,
		MaxParallel: cfg.Delegation.MaxParallel,
	}, broker, logger)

	resolver := backup.NewResolver(backup.Config{
		HistoryPath: st.Path(config.DeploymentHistoryFile),
	}, circuits, logger, clk, m)
	profilesPath := st.Path(config.BackupProfilesFile)
	if err := resolver.LoadProfiles(profilesPath); errors.Is(err, store.ErrNotExist) {
		if err := resolver.SaveProfiles(profilesPath); err != nil {
			logger.Warn("seed backup profiles", zap.Error(err))
		}
	}
	_ = resolver.LoadHistory()

	agents := pool.New(pool.Config{
		Capacity:          cfg.Pool.Capacity,
		MaxUses:           cfg.Pool.MaxUses,
		MaxIdle:           cfg.Pool.MaxIdle,
		MemoryThresholdMB: cfg.Pool.MemoryThresholdMB,
		SweepInterval:     cfg.Pool.SweepInterval,
	}, logger, pool.WithMetrics(m), pool.WithClock(clk))

	tracker := progress.NewTracker(progress.Config{
		PollInterval:      cfg.Progress.PollInterval,
		StallThreshold:    cfg.Progress.StallThreshold,
		TimeoutMultiplier: cfg.Progress.TimeoutMultiplier,
		HistoryPath:       st.Path(config.ProgressHistoryFile),
		HistoryLimit:      cfg.Progress.HistoryLimit,
	}, logger, clk, m)
	_ = tracker.LoadHistory()

	runner, err := build(m)
	if err != nil {
		return nil, err
	}

	ledger, err := state.Open(st.Path(config.LedgerFile))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := ledger.Migrate(); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.Config{
			MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
			QueueSize:          cfg.Orchestrator.QueueSize,
			DefaultEstimate:    cfg.Orchestrator.DefaultEstimate,
		}),
		orchestrator.WithLogger(logger),
		orchestrator.WithClock(clk),
		orchestrator.WithMetrics(m),
		orchestrator.WithCircuits(circuits),
		orchestrator.WithBroker(broker),
		orchestrator.WithGuard(guard),
		orchestrator.WithResolver(resolver),
		orchestrator.WithPool(agents),
		orchestrator.WithTracker(tracker),
		orchestrator.WithResourceGate(resource.NewRuntimeGate(cfg.Resources.MemoryLimitMB, cfg.Resources.MaxMemoryPercent)),
		orchestrator.WithLedger(ledger),
	}
	if st.WatchConfig {
		w := reload.New(st.DataDir, 0, logger)
		w.Handle(config.CircuitConfigFile, circuits.ReloadConfig)
		w.Handle(config.BackupProfilesFile, resolver.ReloadProfiles)
		if p := cfg.Oversight.PoliciesFile; p != "" && filepath.Clean(filepath.Dir(p)) == filepath.Clean(st.DataDir) {
			w.Handle(filepath.Base(p), broker.LoadPolicies)
		}
		opts = append(opts, orchestrator.WithWatcher(w))
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		ledger:   ledger,
		orch:     orchestrator.New(orchestrator.RequiredConfig{Runner: runner}, opts...),
	}, nil
}

// Close releases the ledger. Shut the orchestrator down first.
func (r *runtime) Close() error {
	return r.ledger.Close()
}
