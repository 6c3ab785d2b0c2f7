// Package exec runs external commands for the git, sandbox and workspace
// gateways. Everything above it takes the CommandRunner interface, so tests
// script command output instead of spawning processes.
package exec

import (
	"context"
)

// CommandRunner is the process-spawning capability the gateways build on.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is workDir when non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// RunSplit executes a command keeping stdout and stderr apart, for
	// callers that feed build output to agents stream by stream.
	RunSplit(ctx context.Context, workDir string, name string, args ...string) (stdout, stderr []byte, err error)

	// RunShell executes a command line through "sh -c".
	RunShell(ctx context.Context, workDir string, command string) (output []byte, err error)

	// Exists reports whether a path exists, resolved against workDir when
	// non-empty.
	Exists(ctx context.Context, workDir string, path string) bool
}
