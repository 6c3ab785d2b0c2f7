// Package sandbox executes build and install commands in the isolated
// environment owned by a task.
package sandbox

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExecTimeout bounds a single command when the caller sets none.
const DefaultExecTimeout = 5 * time.Minute

// ExecOptions modify a single Exec call.
type ExecOptions struct {
	// Cwd is the working directory inside the sandbox.
	Cwd string
	// Timeout bounds the command. Zero means DefaultExecTimeout.
	Timeout time.Duration
	// Env adds KEY=VALUE pairs to the command environment.
	Env []string
}

// ExecResult is the outcome of a sandboxed command.
type ExecResult struct {
	// Stdout and Stderr are the captured streams.
	Stdout string
	Stderr string
	// ExitCode is the command's exit status. A non-zero code is a result,
	// not a gateway error.
	ExitCode int
}

// OK reports whether the command exited zero.
func (r *ExecResult) OK() bool { return r != nil && r.ExitCode == 0 }

// Sandbox describes a task's execution environment.
type Sandbox struct {
	// TaskID is the owning task.
	TaskID string
	// ID names the backend resource (container name or host marker).
	ID string
	// Backend is "docker" or "host".
	Backend string
	// WorkDir is the directory commands run in by default.
	WorkDir string
	// HostDir is the host path mounted at WorkDir, for backends that
	// mount one. Empty when the backend runs directly on the host or the
	// mount source is unknown.
	HostDir string
	// CreatedAt is when the sandbox was registered.
	CreatedAt time.Time
}

// containerPath rebases a host path under HostDir onto WorkDir, so callers
// can address checkouts by their host location regardless of backend. Paths
// outside the mount (or already sandbox-side) pass through unchanged.
func (s *Sandbox) containerPath(p string) string {
	if s.HostDir == "" {
		return p
	}
	rel, err := filepath.Rel(s.HostDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return path.Join(s.WorkDir, filepath.ToSlash(rel))
}

// Gateway is the capability set the pipeline uses to run commands in a
// task's sandbox.
type Gateway interface {
	// Exec runs a shell command in the task's sandbox.
	Exec(ctx context.Context, taskID, command string, opts ExecOptions) (*ExecResult, error)
	// GetSandbox returns the task's sandbox descriptor, or nil.
	GetSandbox(taskID string) *Sandbox
	// Create provisions a sandbox for the task rooted at workDir.
	Create(ctx context.Context, taskID, workDir string) (*Sandbox, error)
	// Destroy tears the task's sandbox down.
	Destroy(ctx context.Context, taskID string) error
}
