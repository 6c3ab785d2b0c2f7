package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/config"
	"github.com/forgeline/gaffer/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's stories, stages and costs",
	Long: `Fold the task's event log and checkpoints into a progress report.

Shows each epic and story with its pipeline stage, the last known commit,
accrued cost, and the task summary once it has terminated.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, eventLog, checkpoints, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	state, err := eventLog.GetCurrentState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	if len(state.Epics()) == 0 && state.Description == "" {
		fmt.Printf("No events recorded for task %s.\n", taskID)
		return nil
	}

	cps, err := checkpoints.ListForTask(taskID)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	cpByStory := map[string]checkpoint.Checkpoint{}
	for _, cp := range cps {
		cpByStory[cp.StoryID] = cp
	}

	bold := color.New(color.Bold)
	bold.Printf("Task %s\n", taskID)
	if state.Description != "" {
		fmt.Printf("  %s\n", state.Description)
	}
	if len(state.EpicOrder) > 0 {
		fmt.Printf("  Planned order: %v\n", state.EpicOrder)
	}

	for _, epic := range state.Epics() {
		fmt.Println()
		bold.Printf("Epic %s (%s, branch %s)\n", epic.Name, epic.Repository, epic.BranchName)
		for _, story := range state.StoriesForEpic(epic.ID) {
			stage := story.Status
			cp, hasCP := cpByStory[story.ID]
			if hasCP {
				stage = cp.Stage
			}

			fmt.Printf("  %s %-40s %s", statusGlyph(stage), story.Title, stage)
			if hasCP && cp.CommitHash != "" {
				sha := cp.CommitHash
				if len(sha) > 8 {
					sha = sha[:8]
				}
				fmt.Printf("  @%s", sha)
			}
			if hasCP && cp.CostUSD > 0 {
				fmt.Printf("  $%.2f", cp.CostUSD)
			}
			fmt.Println()
		}
	}

	if state.Summary != nil {
		printSummary(taskID, state.Summary)
	} else {
		fmt.Println()
		fmt.Println("Task is still running or was interrupted; 'gaffer resume' picks it up.")
	}
	return nil
}

func statusGlyph(stage models.StoryStatus) string {
	switch stage {
	case models.StoryStatusCompleted, models.StoryStatusMergedToEpic:
		return color.GreenString("✓")
	case models.StoryStatusFailed, models.StoryStatusRejected:
		return color.RedString("✗")
	case models.StoryStatusMergeConflict:
		return color.YellowString("!")
	case models.StoryStatusNotStarted:
		return " "
	default:
		return color.CyanString("…")
	}
}
