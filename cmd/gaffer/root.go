package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckAgentCLI verifies that the claude CLI is available in PATH.
// Returns an error with installation instructions if not found.
func CheckAgentCLI(binary string) error {
	if binary == "" {
		binary = "claude"
	}
	_, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%s CLI not found in PATH\n\n"+
			"Gaffer's cli runner drives stories through the Claude Code CLI.\n\n"+
			"Install it with:\n"+
			"  npm install -g @anthropic-ai/claude-code\n\n"+
			"or switch to the direct API runner:\n"+
			"  gaffer run --runner api <task-file>", binary)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "gaffer",
	Short: "Story pipeline orchestrator for agent-implemented code changes",
	Long: `Gaffer drives LLM-implemented stories through a four-stage pipeline:
Developer, Git Validation, Judge, Merge.

A task file declares repositories, epics and stories. Gaffer records every
step in an append-only event log, checkpoints story progress so interrupted
runs resume mid-story, classifies failures for retry or salvage, and merges
approved work onto per-epic branches.

Core behaviours:
- Stories run strictly sequentially; each starts from the previous merge
- Git is the source of truth: agent claims are verified against the repo
- Failed developers are salvaged when the branch holds real commits
- Unresolvable merge conflicts are preserved for human resolution`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
