// Package config handles configuration loading for relay.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/relay/internal/logging"
)

// Config holds all configuration for relay.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Delegation   DelegationConfig   `mapstructure:"delegation"`
	Oversight    OversightConfig    `mapstructure:"oversight"`
	Resources    ResourcesConfig    `mapstructure:"resources"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      logging.Config     `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
}

// OrchestratorConfig holds dispatcher settings.
type OrchestratorConfig struct {
	// MaxConcurrentTasks bounds the number of executing tasks.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// QueueSize bounds the FIFO dispatch queue.
	QueueSize int `mapstructure:"queue_size"`
	// DefaultEstimate is the expected task duration used when the caller gives none.
	DefaultEstimate time.Duration `mapstructure:"default_estimate"`
}

// PoolConfig holds agent pool settings.
type PoolConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	MaxUses           int           `mapstructure:"max_uses"`
	MaxIdle           time.Duration `mapstructure:"max_idle"`
	MemoryThresholdMB float64       `mapstructure:"memory_threshold_mb"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// ProgressConfig holds stall and timeout detection settings.
type ProgressConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StallThreshold    time.Duration `mapstructure:"stall_threshold"`
	TimeoutMultiplier float64       `mapstructure:"timeout_multiplier"`
	HistoryLimit      int           `mapstructure:"history_limit"`
}

// DelegationConfig holds delegation admission limits.
type DelegationConfig struct {
	MaxDepth    int `mapstructure:"max_depth"`
	MaxParallel int `mapstructure:"max_parallel"`
}

// OversightConfig holds approval workflow settings.
type OversightConfig struct {
	// FailOpen approves requests that time out without a decision.
	FailOpen bool `mapstructure:"fail_open"`
	// PoliciesFile is an optional YAML policy override.
	PoliciesFile  string        `mapstructure:"policies_file"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ResourcesConfig holds memory pressure thresholds.
type ResourcesConfig struct {
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	MemoryLimitMB    float64 `mapstructure:"memory_limit_mb"`
}

// StorageConfig holds on-disk state locations.
type StorageConfig struct {
	// DataDir holds the JSON state files and the ledger database.
	DataDir string `mapstructure:"data_dir"`
	// WatchConfig reloads circuit config and backup profiles when they change on disk.
	WatchConfig bool `mapstructure:"watch_config"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// AnthropicConfig holds Claude execution layer settings.
type AnthropicConfig struct {
	APIKey     string  `mapstructure:"api_key"`
	Model      string  `mapstructure:"model"`
	MaxTokens  int     `mapstructure:"max_tokens"`
	UseBedrock bool    `mapstructure:"use_bedrock"`
	AWSRegion  string  `mapstructure:"aws_region"`
	AWSProfile string  `mapstructure:"aws_profile"`
	RateLimit  float64 `mapstructure:"rate_limit"`
	RateBurst  int     `mapstructure:"rate_burst"`
	Retries    uint    `mapstructure:"retries"`
}

// File names inside Storage.DataDir.
const (
	CircuitConfigFile     = "circuit_config.json"
	BackupProfilesFile    = "backup_profiles.json"
	DeploymentHistoryFile = "deployment_history.json"
	ProgressHistoryFile   = "progress_history.json"
	LedgerFile            = "relay.db"
)

// Path returns name joined onto the data directory.
func (s StorageConfig) Path(name string) string {
	return filepath.Join(s.DataDir, name)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RELAY_*, ANTHROPIC_API_KEY)
// 2. Project config (.relay.yaml in current directory or parent)
// 3. User config (~/.config/relay/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "RELAY_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the orchestrator misbehave.
func (c *Config) Validate() error {
	switch {
	case c.Orchestrator.MaxConcurrentTasks < 1:
		return fmt.Errorf("orchestrator.max_concurrent_tasks must be at least 1, got %d", c.Orchestrator.MaxConcurrentTasks)
	case c.Pool.Capacity < 1:
		return fmt.Errorf("pool.capacity must be at least 1, got %d", c.Pool.Capacity)
	case c.Pool.MaxUses < 1:
		return fmt.Errorf("pool.max_uses must be at least 1, got %d", c.Pool.MaxUses)
	case c.Progress.StallThreshold <= 0:
		return fmt.Errorf("progress.stall_threshold must be positive")
	case c.Progress.TimeoutMultiplier <= 0:
		return fmt.Errorf("progress.timeout_multiplier must be positive")
	case c.Delegation.MaxDepth < 1 || c.Delegation.MaxParallel < 1:
		return fmt.Errorf("delegation limits must be at least 1")
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("orchestrator.max_concurrent_tasks", d.Orchestrator.MaxConcurrentTasks)
	v.SetDefault("orchestrator.queue_size", d.Orchestrator.QueueSize)
	v.SetDefault("orchestrator.default_estimate", d.Orchestrator.DefaultEstimate.String())

	v.SetDefault("pool.capacity", d.Pool.Capacity)
	v.SetDefault("pool.max_uses", d.Pool.MaxUses)
	v.SetDefault("pool.max_idle", d.Pool.MaxIdle.String())
	v.SetDefault("pool.memory_threshold_mb", d.Pool.MemoryThresholdMB)
	v.SetDefault("pool.sweep_interval", d.Pool.SweepInterval.String())

	v.SetDefault("progress.poll_interval", d.Progress.PollInterval.String())
	v.SetDefault("progress.stall_threshold", d.Progress.StallThreshold.String())
	v.SetDefault("progress.timeout_multiplier", d.Progress.TimeoutMultiplier)
	v.SetDefault("progress.history_limit", d.Progress.HistoryLimit)

	v.SetDefault("delegation.max_depth", d.Delegation.MaxDepth)
	v.SetDefault("delegation.max_parallel", d.Delegation.MaxParallel)

	v.SetDefault("oversight.fail_open", d.Oversight.FailOpen)
	v.SetDefault("oversight.policies_file", d.Oversight.PoliciesFile)
	v.SetDefault("oversight.sweep_interval", d.Oversight.SweepInterval.String())

	v.SetDefault("resources.max_memory_percent", d.Resources.MaxMemoryPercent)
	v.SetDefault("resources.memory_limit_mb", d.Resources.MemoryLimitMB)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.watch_config", d.Storage.WatchConfig)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.json", d.Logging.JSON)

	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", d.Anthropic.UseBedrock)
	v.SetDefault("anthropic.aws_region", d.Anthropic.AWSRegion)
	v.SetDefault("anthropic.aws_profile", d.Anthropic.AWSProfile)
	v.SetDefault("anthropic.rate_limit", d.Anthropic.RateLimit)
	v.SetDefault("anthropic.rate_burst", d.Anthropic.RateBurst)
	v.SetDefault("anthropic.retries", d.Anthropic.Retries)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks: 4,
			QueueSize:          256,
			DefaultEstimate:    10 * time.Minute,
		},
		Pool: PoolConfig{
			Capacity:          8,
			MaxUses:           10,
			MaxIdle:           10 * time.Minute,
			MemoryThresholdMB: 512,
			SweepInterval:     60 * time.Second,
		},
		Progress: ProgressConfig{
			PollInterval:      30 * time.Second,
			StallThreshold:    5 * time.Minute,
			TimeoutMultiplier: 1.0,
			HistoryLimit:      500,
		},
		Delegation: DelegationConfig{
			MaxDepth:    3,
			MaxParallel: 5,
		},
		Oversight: OversightConfig{
			FailOpen:      true,
			SweepInterval: 5 * time.Second,
		},
		Resources: ResourcesConfig{
			MaxMemoryPercent: 85,
			MemoryLimitMB:    4096,
		},
		Storage: StorageConfig{
			DataDir:     ".relay",
			WatchConfig: true,
		},
		Logging: logging.Config{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		Anthropic: AnthropicConfig{
			Model:      "claude-sonnet-4-20250514",
			MaxTokens:  8192,
			AWSRegion:  "us-west-2",
			AWSProfile: "default",
			RateLimit:  2,
			RateBurst:  4,
			Retries:    3,
		},
	}
}

// getUserConfigDir returns the XDG config directory for relay.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "relay")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "relay")
	}
	return filepath.Join(home, ".config", "relay")
}

// findProjectConfig searches for .relay.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".relay.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return os.ExpandEnv(path)
}
