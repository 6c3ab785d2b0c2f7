// Package config handles configuration loading and management for Gaffer.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Gaffer.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Git        GitConfig        `mapstructure:"git"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Store      StoreConfig      `mapstructure:"store"`
	Events     EventsConfig     `mapstructure:"events"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Conflict   ConflictConfig   `mapstructure:"conflict"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	Log        LogConfig        `mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// Model is the model identifier used by the API runner.
	Model string `mapstructure:"model"`
	// UseBedrock routes API calls through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// BedrockRegion is the AWS region for Bedrock calls.
	BedrockRegion string `mapstructure:"bedrock_region"`
	// BedrockProfile is an optional shared-config profile name.
	BedrockProfile string `mapstructure:"bedrock_profile"`
}

// WorkspaceConfig holds task workspace settings.
type WorkspaceConfig struct {
	// BaseDir is where per-task workspaces are created. Empty means
	// <os temp>/agent-workspace.
	BaseDir string `mapstructure:"base_dir"`
}

// SandboxConfig holds sandbox execution settings.
type SandboxConfig struct {
	// DockerBridgeMode uses docker bridge networking instead of host.
	DockerBridgeMode bool `mapstructure:"docker_bridge_mode"`
	// ExecTimeout caps sandbox commands, builds included.
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

// GitConfig holds git gateway settings.
type GitConfig struct {
	// EnableTimeouts applies per-operation timeouts to git commands.
	EnableTimeouts bool `mapstructure:"enable_timeouts"`
	// FetchTimeout caps a single fetch.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// PushTimeout caps a single push.
	PushTimeout time.Duration `mapstructure:"push_timeout"`
	// StatusTimeout caps status and other local queries.
	StatusTimeout time.Duration `mapstructure:"status_timeout"`
	// NetworkRetries is the attempt count for fetch and push.
	NetworkRetries int `mapstructure:"network_retries"`
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// AgentConfig holds agent runner settings.
type AgentConfig struct {
	// Runner selects the implementation: "cli" or "api".
	Runner string `mapstructure:"runner"`
	// CLIPath is the claude binary used by the cli runner.
	CLIPath string `mapstructure:"cli_path"`
	// DeveloperTimeout caps a developer invocation.
	DeveloperTimeout time.Duration `mapstructure:"developer_timeout"`
	// JudgeTimeout caps a judge invocation.
	JudgeTimeout time.Duration `mapstructure:"judge_timeout"`
	// ResolverTimeout caps a conflict-resolver invocation.
	ResolverTimeout time.Duration `mapstructure:"resolver_timeout"`
}

// BudgetConfig holds cost ceilings.
type BudgetConfig struct {
	// MaxCostPerTask is the USD ceiling per task; 0 disables the check.
	MaxCostPerTask float64 `mapstructure:"max_cost_per_task"`
}

// StoreConfig holds storage backend settings.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `mapstructure:"dsn"`
}

// EventsConfig holds event log settings.
type EventsConfig struct {
	// DedupeWindow is how far back SafeAppend looks for duplicates.
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
	// Retention is how long events of finished tasks are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// ClassifierConfig holds failure classifier retry ceilings.
type ClassifierConfig struct {
	// NetworkRetries is the network fault ceiling. The default of 10 is
	// the aggressive variant; lower it for modest retry behaviour.
	NetworkRetries int `mapstructure:"network_retries"`
	// APIRetries is the upstream model fault ceiling.
	APIRetries int `mapstructure:"api_retries"`
	// TimeoutRetries is the timeout fault ceiling.
	TimeoutRetries int `mapstructure:"timeout_retries"`
	// GitRetries is the git fault ceiling.
	GitRetries int `mapstructure:"git_retries"`
	// UnknownRetries is the last-resort ceiling.
	UnknownRetries int `mapstructure:"unknown_retries"`
}

// ConflictConfig holds merge conflict handling settings.
type ConflictConfig struct {
	// FailAfter elevates a preserved merge conflict to failed after this
	// window. Zero keeps conflicts open indefinitely.
	FailAfter time.Duration `mapstructure:"fail_after"`
}

// NotifyConfig holds notifier settings.
type NotifyConfig struct {
	// NATSURL enables the NATS notifier when non-empty.
	NATSURL string `mapstructure:"nats_url"`
	// SubjectPrefix prefixes per-task subjects.
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	// Addr serves Prometheus metrics when non-empty, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

// JanitorConfig holds maintenance job settings.
type JanitorConfig struct {
	// Interval is how often maintenance runs. Zero disables the janitor.
	Interval time.Duration `mapstructure:"interval"`
	// WorkspaceTTL is how long orphaned task workspaces are kept.
	WorkspaceTTL time.Duration `mapstructure:"workspace_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// DebugFile writes a detailed debug log to this path when non-empty.
	DebugFile string `mapstructure:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AGENT_WORKSPACE_DIR, ...)
// 2. Project config (.gaffer.yaml in current directory or parent)
// 3. User config (~/.config/gaffer/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("GAFFER")
	v.AutomaticEnv()

	// The environment variables the pipeline documents, bound to their
	// config keys.
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("workspace.base_dir", "AGENT_WORKSPACE_DIR")
	v.BindEnv("sandbox.docker_bridge_mode", "DOCKER_USE_BRIDGE_MODE")
	v.BindEnv("git.enable_timeouts", "GIT_ENABLE_TIMEOUTS")
	v.BindEnv("budget.max_cost_per_task", "MAX_COST_PER_TASK")
	v.BindEnv("log.level", "LOG_LEVEL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("workspace.base_dir", cfg.Workspace.BaseDir)
	v.Set("sandbox.docker_bridge_mode", cfg.Sandbox.DockerBridgeMode)
	v.Set("sandbox.exec_timeout", cfg.Sandbox.ExecTimeout.String())
	v.Set("git.enable_timeouts", cfg.Git.EnableTimeouts)
	v.Set("git.fetch_timeout", cfg.Git.FetchTimeout.String())
	v.Set("git.push_timeout", cfg.Git.PushTimeout.String())
	v.Set("git.status_timeout", cfg.Git.StatusTimeout.String())
	v.Set("git.network_retries", cfg.Git.NetworkRetries)
	v.Set("git.retry_base_delay", cfg.Git.RetryBaseDelay.String())
	v.Set("agent.runner", cfg.Agent.Runner)
	v.Set("agent.cli_path", cfg.Agent.CLIPath)
	v.Set("agent.developer_timeout", cfg.Agent.DeveloperTimeout.String())
	v.Set("agent.judge_timeout", cfg.Agent.JudgeTimeout.String())
	v.Set("agent.resolver_timeout", cfg.Agent.ResolverTimeout.String())
	v.Set("budget.max_cost_per_task", cfg.Budget.MaxCostPerTask)
	v.Set("store.driver", cfg.Store.Driver)
	v.Set("store.dsn", cfg.Store.DSN)
	v.Set("events.dedupe_window", cfg.Events.DedupeWindow.String())
	v.Set("events.retention", cfg.Events.Retention.String())
	v.Set("classifier.network_retries", cfg.Classifier.NetworkRetries)
	v.Set("classifier.api_retries", cfg.Classifier.APIRetries)
	v.Set("classifier.timeout_retries", cfg.Classifier.TimeoutRetries)
	v.Set("classifier.git_retries", cfg.Classifier.GitRetries)
	v.Set("classifier.unknown_retries", cfg.Classifier.UnknownRetries)
	v.Set("conflict.fail_after", cfg.Conflict.FailAfter.String())
	v.Set("notify.nats_url", cfg.Notify.NATSURL)
	v.Set("notify.subject_prefix", cfg.Notify.SubjectPrefix)
	v.Set("metrics.addr", cfg.Metrics.Addr)
	v.Set("janitor.interval", cfg.Janitor.Interval.String())
	v.Set("janitor.workspace_ttl", cfg.Janitor.WorkspaceTTL.String())
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.debug_file", cfg.Log.DebugFile)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.bedrock_region", "us-east-1")

	v.SetDefault("workspace.base_dir", "")

	v.SetDefault("sandbox.docker_bridge_mode", false)
	v.SetDefault("sandbox.exec_timeout", "5m")

	v.SetDefault("git.enable_timeouts", true)
	v.SetDefault("git.fetch_timeout", "90s")
	v.SetDefault("git.push_timeout", "120s")
	v.SetDefault("git.status_timeout", "15s")
	v.SetDefault("git.network_retries", 3)
	v.SetDefault("git.retry_base_delay", "2s")

	v.SetDefault("agent.runner", "cli")
	v.SetDefault("agent.cli_path", "claude")
	v.SetDefault("agent.developer_timeout", "45m")
	v.SetDefault("agent.judge_timeout", "30m")
	v.SetDefault("agent.resolver_timeout", "30m")

	v.SetDefault("budget.max_cost_per_task", 0.0)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")

	v.SetDefault("events.dedupe_window", "10s")
	v.SetDefault("events.retention", "720h")

	v.SetDefault("classifier.network_retries", 10)
	v.SetDefault("classifier.api_retries", 3)
	v.SetDefault("classifier.timeout_retries", 5)
	v.SetDefault("classifier.git_retries", 5)
	v.SetDefault("classifier.unknown_retries", 3)

	v.SetDefault("conflict.fail_after", "0s")

	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject_prefix", "gaffer.tasks")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("janitor.interval", "1h")
	v.SetDefault("janitor.workspace_ttl", "72h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for Gaffer.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gaffer")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "gaffer")
	}
	return filepath.Join(home, ".config", "gaffer")
}

// findProjectConfig searches for .gaffer.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".gaffer.yaml")
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

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// DefaultDSN returns the sqlite database path used when store.dsn is empty.
func DefaultDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gaffer.db"
	}
	return filepath.Join(home, ".local", "state", "gaffer", "gaffer.db")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:         "claude-sonnet-4-20250514",
			BedrockRegion: "us-east-1",
		},
		Sandbox: SandboxConfig{
			ExecTimeout: 5 * time.Minute,
		},
		Git: GitConfig{
			EnableTimeouts: true,
			FetchTimeout:   90 * time.Second,
			PushTimeout:    120 * time.Second,
			StatusTimeout:  15 * time.Second,
			NetworkRetries: 3,
			RetryBaseDelay: 2 * time.Second,
		},
		Agent: AgentConfig{
			Runner:           "cli",
			CLIPath:          "claude",
			DeveloperTimeout: 45 * time.Minute,
			JudgeTimeout:     30 * time.Minute,
			ResolverTimeout:  30 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Events: EventsConfig{
			DedupeWindow: 10 * time.Second,
			Retention:    720 * time.Hour,
		},
		Classifier: ClassifierConfig{
			NetworkRetries: 10,
			APIRetries:     3,
			TimeoutRetries: 5,
			GitRetries:     5,
			UnknownRetries: 3,
		},
		Notify: NotifyConfig{
			SubjectPrefix: "gaffer.tasks",
		},
		Janitor: JanitorConfig{
			Interval:     time.Hour,
			WorkspaceTTL: 72 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
