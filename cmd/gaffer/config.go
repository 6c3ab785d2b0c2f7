package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/gaffer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Gaffer configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets and saves the value.

Configuration is stored at ~/.config/gaffer/config.yaml
Project-specific overrides can be placed in .gaffer.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}
	dsnDisplay := cfg.Store.DSN
	if dsnDisplay == "" {
		dsnDisplay = config.DefaultDSN()
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("workspace.base_dir: %s\n", cfg.Workspace.BaseDir)
	fmt.Printf("sandbox.docker_bridge_mode: %t\n", cfg.Sandbox.DockerBridgeMode)
	fmt.Printf("sandbox.exec_timeout: %s\n", cfg.Sandbox.ExecTimeout)
	fmt.Printf("git.enable_timeouts: %t\n", cfg.Git.EnableTimeouts)
	fmt.Printf("git.network_retries: %d\n", cfg.Git.NetworkRetries)
	fmt.Printf("agent.runner: %s\n", cfg.Agent.Runner)
	fmt.Printf("agent.cli_path: %s\n", cfg.Agent.CLIPath)
	fmt.Printf("agent.developer_timeout: %s\n", cfg.Agent.DeveloperTimeout)
	fmt.Printf("agent.judge_timeout: %s\n", cfg.Agent.JudgeTimeout)
	fmt.Printf("agent.resolver_timeout: %s\n", cfg.Agent.ResolverTimeout)
	fmt.Printf("budget.max_cost_per_task: %.2f\n", cfg.Budget.MaxCostPerTask)
	fmt.Printf("conflict.fail_after: %s\n", cfg.Conflict.FailAfter)
	fmt.Printf("store.driver: %s\n", cfg.Store.Driver)
	fmt.Printf("store.dsn: %s\n", dsnDisplay)
	fmt.Printf("events.dedupe_window: %s\n", cfg.Events.DedupeWindow)
	fmt.Printf("events.retention: %s\n", cfg.Events.Retention)
	fmt.Printf("notify.nats_url: %s\n", cfg.Notify.NATSURL)
	fmt.Printf("metrics.addr: %s\n", cfg.Metrics.Addr)
	fmt.Printf("janitor.interval: %s\n", cfg.Janitor.Interval)
	fmt.Printf("janitor.workspace_ttl: %s\n", cfg.Janitor.WorkspaceTTL)
	fmt.Printf("log.level: %s\n", cfg.Log.Level)
	fmt.Printf("log.debug_file: %s\n", cfg.Log.DebugFile)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return "****", nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "workspace.base_dir":
		return cfg.Workspace.BaseDir, nil
	case "sandbox.docker_bridge_mode":
		return strconv.FormatBool(cfg.Sandbox.DockerBridgeMode), nil
	case "sandbox.exec_timeout":
		return cfg.Sandbox.ExecTimeout.String(), nil
	case "agent.runner":
		return cfg.Agent.Runner, nil
	case "agent.cli_path":
		return cfg.Agent.CLIPath, nil
	case "agent.developer_timeout":
		return cfg.Agent.DeveloperTimeout.String(), nil
	case "agent.judge_timeout":
		return cfg.Agent.JudgeTimeout.String(), nil
	case "agent.resolver_timeout":
		return cfg.Agent.ResolverTimeout.String(), nil
	case "budget.max_cost_per_task":
		return strconv.FormatFloat(cfg.Budget.MaxCostPerTask, 'f', 2, 64), nil
	case "conflict.fail_after":
		return cfg.Conflict.FailAfter.String(), nil
	case "store.driver":
		return cfg.Store.Driver, nil
	case "store.dsn":
		return cfg.Store.DSN, nil
	case "notify.nats_url":
		return cfg.Notify.NATSURL, nil
	case "metrics.addr":
		return cfg.Metrics.Addr, nil
	case "log.level":
		return cfg.Log.Level, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "workspace.base_dir":
		cfg.Workspace.BaseDir = value
	case "sandbox.docker_bridge_mode":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for docker_bridge_mode: %w", err)
		}
		cfg.Sandbox.DockerBridgeMode = b
	case "sandbox.exec_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for exec_timeout: %w", err)
		}
		cfg.Sandbox.ExecTimeout = d
	case "agent.runner":
		if value != "cli" && value != "api" {
			return fmt.Errorf("agent.runner must be cli or api")
		}
		cfg.Agent.Runner = value
	case "agent.cli_path":
		cfg.Agent.CLIPath = value
	case "agent.developer_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for developer_timeout: %w", err)
		}
		cfg.Agent.DeveloperTimeout = d
	case "agent.judge_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for judge_timeout: %w", err)
		}
		cfg.Agent.JudgeTimeout = d
	case "agent.resolver_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for resolver_timeout: %w", err)
		}
		cfg.Agent.ResolverTimeout = d
	case "budget.max_cost_per_task":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number for max_cost_per_task: %w", err)
		}
		cfg.Budget.MaxCostPerTask = f
	case "conflict.fail_after":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for fail_after: %w", err)
		}
		cfg.Conflict.FailAfter = d
	case "store.driver":
		if value != "sqlite" && value != "postgres" {
			return fmt.Errorf("store.driver must be sqlite or postgres")
		}
		cfg.Store.Driver = value
	case "store.dsn":
		cfg.Store.DSN = value
	case "notify.nats_url":
		cfg.Notify.NATSURL = value
	case "metrics.addr":
		cfg.Metrics.Addr = value
	case "log.level":
		cfg.Log.Level = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
