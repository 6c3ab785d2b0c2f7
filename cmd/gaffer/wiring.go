package main

import (
	"fmt"
	"log"
	"os"
	osexec "os/exec"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/config"
	"github.com/forgeline/gaffer/internal/events"
	execpkg "github.com/forgeline/gaffer/internal/exec"
	"github.com/forgeline/gaffer/internal/git"
	"github.com/forgeline/gaffer/internal/logging"
	"github.com/forgeline/gaffer/internal/notify"
	"github.com/forgeline/gaffer/internal/sandbox"
	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/internal/workspace"
)

// runtime bundles the long-lived dependencies every command wires from the
// effective configuration.
type runtime struct {
	cfg         *config.Config
	db          *store.DB
	events      *events.Log
	checkpoints *checkpoint.Store
	git         *git.ExecGateway
	sandbox     sandbox.Gateway
	runner      agent.Runner
	notifier    notify.Notifier
	nats        *notify.NATSNotifier
	debug       *logging.DebugLogger
	workspaces  *workspace.Manager
}

// buildRuntime opens the store and constructs the gateways from config.
// Callers must Close the returned runtime.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))

	dsn := cfg.Store.DSN
	if dsn == "" && cfg.Store.Driver == store.DriverSQLite {
		dsn = config.DefaultDSN()
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := store.Open(cfg.Store.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	gitGateway := git.NewExecGateway(
		git.Timeouts{
			Enabled: cfg.Git.EnableTimeouts,
			Fetch:   cfg.Git.FetchTimeout,
			Push:    cfg.Git.PushTimeout,
			Status:  cfg.Git.StatusTimeout,
		},
		git.RetryPolicy{
			MaxAttempts: cfg.Git.NetworkRetries,
			BaseDelay:   cfg.Git.RetryBaseDelay,
			MaxDelay:    60 * time.Second,
		},
	)

	rt := &runtime{
		cfg: cfg,
		db:  db,
		events: events.NewLog(db, events.Options{
			DedupeWindow: cfg.Events.DedupeWindow,
			Verifier:     gitGateway,
		}),
		checkpoints: checkpoint.NewStore(db),
		git:         gitGateway,
	}

	cmdRunner := execpkg.NewRunner()
	rt.workspaces = workspace.NewManager(cfg.Workspace.BaseDir, cmdRunner)
	rt.sandbox = selectSandbox(cfg, cmdRunner)

	rt.runner, err = buildAgentRunner(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	rt.notifier = notify.NewLogNotifier()
	if cfg.Notify.NATSURL != "" {
		n, nerr := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix)
		if nerr != nil {
			log.Printf("[gaffer] NATS notifier unavailable, continuing log-only: %v", nerr)
		} else {
			rt.nats = n
			rt.notifier = notify.NewMulti(notify.NewLogNotifier(), n)
		}
	}

	rt.debug, err = logging.NewDebugLogger(cfg.Log.DebugFile)
	if err != nil {
		log.Printf("[gaffer] debug log unavailable: %v", err)
		rt.debug = logging.NopLogger()
	}

	return rt, nil
}

// selectSandbox picks docker when the daemon is reachable, host otherwise.
func selectSandbox(cfg *config.Config, runner execpkg.CommandRunner) sandbox.Gateway {
	if _, err := osexec.LookPath("docker"); err == nil {
		return sandbox.NewDockerGateway(runner, sandbox.DockerOptions{
			BridgeMode:     cfg.Sandbox.DockerBridgeMode,
			DefaultTimeout: cfg.Sandbox.ExecTimeout,
		})
	}
	log.Printf("[gaffer] docker not found, build commands run on the host")
	return sandbox.NewHostGateway(runner, cfg.Sandbox.ExecTimeout)
}

// buildAgentRunner constructs the configured runner implementation.
func buildAgentRunner(cfg *config.Config) (agent.Runner, error) {
	switch cfg.Agent.Runner {
	case "", "cli":
		if err := CheckAgentCLI(cfg.Agent.CLIPath); err != nil {
			return nil, err
		}
		return agent.NewCLIRunner(agent.CLIOptions{
			Binary:           cfg.Agent.CLIPath,
			Model:            cfg.Anthropic.Model,
			DeveloperTimeout: cfg.Agent.DeveloperTimeout,
			JudgeTimeout:     cfg.Agent.JudgeTimeout,
			ResolverTimeout:  cfg.Agent.ResolverTimeout,
		}), nil

	case "api":
		client, err := agent.NewClient(agent.ClientConfig{
			Model:          anthropic.Model(cfg.Anthropic.Model),
			APIKey:         cfg.Anthropic.APIKey,
			UseBedrock:     cfg.Anthropic.UseBedrock,
			BedrockRegion:  cfg.Anthropic.BedrockRegion,
			BedrockProfile: cfg.Anthropic.BedrockProfile,
		})
		if err != nil {
			return nil, fmt.Errorf("create API client: %w", err)
		}
		return agent.NewAPIRunner(agent.APIOptions{
			Client:           client,
			DeveloperTimeout: cfg.Agent.DeveloperTimeout,
			JudgeTimeout:     cfg.Agent.JudgeTimeout,
			ResolverTimeout:  cfg.Agent.ResolverTimeout,
		})

	default:
		return nil, fmt.Errorf("unknown agent runner %q: must be cli or api", cfg.Agent.Runner)
	}
}

// openStore opens just the database-backed pieces, for the inspection
// commands that never run agents.
func openStore(cfg *config.Config) (*store.DB, *events.Log, *checkpoint.Store, error) {
	dsn := cfg.Store.DSN
	if dsn == "" && cfg.Store.Driver == store.DriverSQLite {
		dsn = config.DefaultDSN()
	}
	db, err := store.Open(cfg.Store.Driver, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, events.NewLog(db, events.Options{}), checkpoint.NewStore(db), nil
}

// Close releases the runtime's resources in dependency order.
func (rt *runtime) Close() {
	if rt.nats != nil {
		rt.nats.Close()
	}
	if rt.debug != nil {
		rt.debug.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}
