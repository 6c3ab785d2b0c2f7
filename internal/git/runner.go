package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Timeouts carries the per-command ceilings applied when enabled.
type Timeouts struct {
	// Enabled gates all timeout application (GIT_ENABLE_TIMEOUTS).
	Enabled bool
	// Fetch bounds fetch and pull.
	Fetch time.Duration
	// Push bounds push.
	Push time.Duration
	// Status bounds status and other local inspections.
	Status time.Duration
}

// DefaultTimeouts returns the standard command ceilings.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Enabled: true,
		Fetch:   90 * time.Second,
		Push:    120 * time.Second,
		Status:  15 * time.Second,
	}
}

// ExecGateway implements Gateway by shelling out to git.
type ExecGateway struct {
	timeouts Timeouts
	retry    RetryPolicy
}

// NewExecGateway creates a gateway with the given timeouts and retry policy.
func NewExecGateway(timeouts Timeouts, retry RetryPolicy) *ExecGateway {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &ExecGateway{timeouts: timeouts, retry: retry}
}

// run executes a git command and returns its trimmed combined output.
func (g *ExecGateway) run(ctx context.Context, repoPath string, timeout time.Duration, args ...string) (string, error) {
	if g.timeouts.Enabled && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command, discarding output on success.
func (g *ExecGateway) runSilent(ctx context.Context, repoPath string, timeout time.Duration, args ...string) error {
	_, err := g.run(ctx, repoPath, timeout, args...)
	return err
}

// exitCode extracts the process exit code from a wrapped exec error, or -1.
func exitCode(err error) int {
	for err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return -1
		}
		err = u.Unwrap()
	}
	return -1
}

// Run executes an arbitrary git command in the repository.
func (g *ExecGateway) Run(ctx context.Context, repoPath string, args ...string) Result {
	out, err := g.run(ctx, repoPath, g.timeouts.Status, args...)
	return Result{OK: err == nil, Output: out, Err: err}
}

// Verify ExecGateway implements Gateway at compile time.
var _ Gateway = (*ExecGateway)(nil)
