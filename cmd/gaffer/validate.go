package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgeline/gaffer/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <task-id>",
	Short: "Check a task's event stream for structural problems",
	Long: `Validate the structural invariants of a task's event log: stories
reference known epics, ids are unique, sequence numbers are gapless, and
the task terminated at most once.

Exits nonzero when problems are found.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, eventLog, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := eventLog.ValidateState(context.Background(), taskID)
	if err != nil {
		return fmt.Errorf("validate task %s: %w", taskID, err)
	}

	if report.Valid {
		color.Green("✓ task %s: event stream is structurally sound", taskID)
		return nil
	}

	color.Red("✗ task %s: %d problem(s)", taskID, len(report.Problems))
	for _, problem := range report.Problems {
		fmt.Printf("  - %s\n", problem)
	}
	return fmt.Errorf("event stream for %s is invalid", taskID)
}
