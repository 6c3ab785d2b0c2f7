package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgeline/gaffer/internal/config"
	"github.com/forgeline/gaffer/pkg/models"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Re-enter an interrupted task",
	Long: `Resume a task from its event log and checkpoints.

The task breakdown is reconstructed from the event log; nothing is
re-seeded. Completed stories are skipped, a story interrupted mid-pipeline
re-enters at its furthest confirmed stage, and preserved merge conflicts
are retried after the conflicted files are cleaned up on the story branch.`,
	Args: cobra.ExactArgs(1),
	RunE: resumeTask,
}

func resumeTask(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := rt.events.GetCurrentState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	if len(state.Epics()) == 0 {
		return fmt.Errorf("task %s has no recorded epics; was it started with 'gaffer run'?", taskID)
	}
	if state.Done() {
		fmt.Printf("Task %s already terminated.\n", taskID)
		printSummary(taskID, state.Summary)
		return nil
	}

	// The event log is authoritative; the task record here is just the key
	// plus what the coordinator needs to clone and build.
	task := models.Task{
		ID:           taskID,
		Description:  state.Description,
		Repositories: state.Repositories,
		Environment:  state.Environment,
	}
	return executeTask(ctx, rt, task)
}
