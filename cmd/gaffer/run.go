package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgeline/gaffer/internal/config"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/pkg/models"
)

var (
	runRunner      string
	runBudget      float64
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run <task-file>",
	Short: "Execute a task file through the story pipeline",
	Long: `Run every epic and story declared in a YAML task file.

The task, its repositories, epics and stories are recorded in the event
log, repositories are cloned into a per-task workspace, and each story is
driven through Developer, Git Validation, Judge and Merge. Progress is
checkpointed per story; an interrupted run picks up where it stopped via
'gaffer resume <task-id>'.

The process exits nonzero when the task fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runRunner, "runner", "", "Agent runner: cli or api (overrides config)")
	runCmd.Flags().Float64Var(&runBudget, "budget", -1, "USD ceiling for this task (overrides config)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runRunner != "" {
		cfg.Agent.Runner = runRunner
	}
	if runBudget >= 0 {
		cfg.Budget.MaxCostPerTask = runBudget
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}

	tf, err := LoadTaskFile(args[0])
	if err != nil {
		return err
	}
	task, epics, stories := tf.Build()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedTask(ctx, rt, task, epics, stories); err != nil {
		return err
	}
	return executeTask(ctx, rt, task)
}

// seedTask records the task breakdown in the event log. A task id that is
// already seeded is left alone so re-running a task file resumes instead of
// duplicating epics.
func seedTask(ctx context.Context, rt *runtime, task models.Task, epics []models.Epic, stories []models.Story) error {
	state, err := rt.events.GetCurrentState(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	if len(state.Epics()) > 0 {
		fmt.Printf("Task %s already recorded, resuming it.\n", task.ID)
		return nil
	}

	appendSeed := func(typ events.Type, payload any) error {
		evt, err := events.New(task.ID, typ, "cli", payload)
		if err != nil {
			return err
		}
		if _, err := rt.events.SafeAppend(ctx, &evt); err != nil {
			return fmt.Errorf("record %s: %w", typ, err)
		}
		return nil
	}

	if err := appendSeed(events.TypeTaskCreated, events.TaskCreatedPayload{
		Description:  task.Description,
		Repositories: task.Repositories,
	}); err != nil {
		return err
	}
	if task.Environment.Commands != nil {
		if err := appendSeed(events.TypeEnvironmentConfigured, events.EnvironmentConfiguredPayload{
			Environment: task.Environment,
		}); err != nil {
			return err
		}
	}
	for _, epic := range epics {
		if err := appendSeed(events.TypeEpicCreated, events.EpicCreatedPayload{Epic: epic}); err != nil {
			return err
		}
	}
	for _, story := range stories {
		if err := appendSeed(events.TypeStoryCreated, events.StoryCreatedPayload{Story: story}); err != nil {
			return err
		}
	}

	fmt.Printf("Task %s recorded: %d epics, %d stories.\n", task.ID, len(epics), len(stories))
	return nil
}
