package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	execpkg "github.com/forgeline/gaffer/internal/exec"
)

// HostGateway runs sandbox commands directly on the host, scoped to the
// task's workspace directory. Used when docker isolation is unavailable or
// disabled for local development.
type HostGateway struct {
	runner         execpkg.CommandRunner
	defaultTimeout time.Duration

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
}

// NewHostGateway creates a host-backed sandbox gateway.
func NewHostGateway(runner execpkg.CommandRunner, defaultTimeout time.Duration) *HostGateway {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultExecTimeout
	}
	return &HostGateway{
		runner:         runner,
		defaultTimeout: defaultTimeout,
		sandboxes:      make(map[string]*Sandbox),
	}
}

// Create registers a host sandbox rooted at workDir. Nothing is provisioned.
func (g *HostGateway) Create(_ context.Context, taskID, workDir string) (*Sandbox, error) {
	sb := &Sandbox{
		TaskID:    taskID,
		ID:        "host:" + taskID,
		Backend:   "host",
		WorkDir:   workDir,
		CreatedAt: time.Now().UTC(),
	}
	g.mu.Lock()
	g.sandboxes[taskID] = sb
	g.mu.Unlock()
	return sb, nil
}

// GetSandbox returns the task's descriptor, or nil before Create.
func (g *HostGateway) GetSandbox(taskID string) *Sandbox {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sandboxes[taskID]
}

// Exec runs a shell command in the task's workspace on the host.
func (g *HostGateway) Exec(ctx context.Context, taskID, command string, opts ExecOptions) (*ExecResult, error) {
	sb := g.GetSandbox(taskID)
	if sb == nil {
		return nil, fmt.Errorf("no sandbox for task %s", taskID)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = sb.WorkDir
	}

	args := []string{"-c", command}
	if len(opts.Env) > 0 {
		// env(1) keeps the child environment additive without mutating ours.
		envArgs := append([]string{}, opts.Env...)
		envArgs = append(envArgs, "sh", "-c", command)
		stdout, stderr, err := g.runner.RunSplit(ctx, cwd, "env", envArgs...)
		return hostResult(stdout, stderr, err)
	}

	stdout, stderr, err := g.runner.RunSplit(ctx, cwd, "sh", args...)
	return hostResult(stdout, stderr, err)
}

func hostResult(stdout, stderr []byte, err error) (*ExecResult, error) {
	result := &ExecResult{Stdout: string(stdout), Stderr: string(stderr)}
	if err != nil {
		if code, ok := exitStatus(err); ok {
			result.ExitCode = code
			return result, nil
		}
		return result, err
	}
	return result, nil
}

// Destroy forgets the task's host sandbox. The workspace itself is owned by
// the workspace manager.
func (g *HostGateway) Destroy(_ context.Context, taskID string) error {
	g.mu.Lock()
	delete(g.sandboxes, taskID)
	g.mu.Unlock()
	return nil
}

// Verify HostGateway implements Gateway at compile time.
var _ Gateway = (*HostGateway)(nil)
