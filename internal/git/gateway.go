package git

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// CurrentBranch returns the checked-out branch name.
func (g *ExecGateway) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return g.run(ctx, repoPath, g.timeouts.Status, "rev-parse", "--abbrev-ref", "HEAD")
}

// Checkout switches to branch. Prefers the local branch, then a tracking
// branch from origin, then creates from createFrom. Idempotent when the
// branch is already checked out.
func (g *ExecGateway) Checkout(ctx context.Context, repoPath, branch, createFrom string) error {
	exists, err := g.BranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	if exists {
		return g.runSilent(ctx, repoPath, 0, "checkout", branch)
	}

	onRemote, err := g.RemoteBranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	if onRemote {
		return g.runSilent(ctx, repoPath, 0, "checkout", "-b", branch, "origin/"+branch)
	}

	if createFrom == "" {
		return fmt.Errorf("checkout %s: branch missing locally and on origin, no base to create from", branch)
	}
	return g.runSilent(ctx, repoPath, 0, "checkout", "-b", branch, createFrom)
}

// BranchExists reports whether the local branch exists.
func (g *ExecGateway) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	_, err := g.run(ctx, repoPath, g.timeouts.Status, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// Exit code 1 means the ref does not exist.
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoteBranchExists reports whether origin has the branch, per the local
// remote-tracking refs. Callers fetch first when freshness matters.
func (g *ExecGateway) RemoteBranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	_, err := g.run(ctx, repoPath, g.timeouts.Status, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BranchTip returns the sha at the head of a local branch.
func (g *ExecGateway) BranchTip(ctx context.Context, repoPath, branch string) (string, error) {
	return g.run(ctx, repoPath, g.timeouts.Status, "rev-parse", "refs/heads/"+branch)
}

// DeleteBranch force-deletes the local branch and, when bothSides, the
// origin branch as well. Either side failing surfaces as an error.
func (g *ExecGateway) DeleteBranch(ctx context.Context, repoPath, branch string, bothSides bool) error {
	current, err := g.CurrentBranch(ctx, repoPath)
	if err == nil && current == branch {
		return fmt.Errorf("delete branch %s: currently checked out", branch)
	}

	localErr := g.runSilent(ctx, repoPath, 0, "branch", "-D", branch)
	var remoteErr error
	if bothSides {
		remoteErr = g.withRetry(ctx, "push --delete "+branch, func() error {
			return g.runSilent(ctx, repoPath, g.timeouts.Push, "push", "origin", "--delete", branch)
		})
	}

	if localErr != nil {
		return localErr
	}
	return remoteErr
}

// Fetch prune-fetches origin, retrying transient network failures.
func (g *ExecGateway) Fetch(ctx context.Context, repoPath string) error {
	return g.withRetry(ctx, "fetch", func() error {
		return g.runSilent(ctx, repoPath, g.timeouts.Fetch, "fetch", "--prune", "origin")
	})
}

// Push pushes the branch with retries, then pulls --ff-only so the local
// branch tracks what the remote accepted.
func (g *ExecGateway) Push(ctx context.Context, repoPath, branch string, opts PushOptions) error {
	args := []string{"push"}
	if opts.SetUpstream {
		args = append(args, "-u")
	}
	if opts.ForceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, "origin", branch)

	err := g.withRetry(ctx, "push "+branch, func() error {
		return g.runSilent(ctx, repoPath, g.timeouts.Push, args...)
	})
	if err != nil {
		return err
	}
	if err := g.PullFFOnly(ctx, repoPath); err != nil {
		log.Printf("[git] post-push pull --ff-only failed in %s: %v", repoPath, err)
	}
	return nil
}

// PullFFOnly fast-forwards the current branch. Repos without a remote or
// tracking branch are left alone.
func (g *ExecGateway) PullFFOnly(ctx context.Context, repoPath string) error {
	err := g.runSilent(ctx, repoPath, g.timeouts.Fetch, "pull", "--ff-only")
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "no tracking information") ||
			strings.Contains(msg, "does not appear to be a git repository") ||
			strings.Contains(msg, "no such remote") ||
			strings.Contains(msg, "no remote repository specified") {
			return nil
		}
	}
	return err
}

// EnsureBranchOnRemote pushes the branch when origin does not have it yet.
func (g *ExecGateway) EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) error {
	onRemote, err := g.RemoteBranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	if onRemote {
		return nil
	}
	return g.Push(ctx, repoPath, branch, PushOptions{SetUpstream: true})
}

// EnsureCommitOnRemote pushes the branch until the sha is reachable from
// origin. A plain push is tried first; force-with-lease is the last resort.
func (g *ExecGateway) EnsureCommitOnRemote(ctx context.Context, repoPath, sha, branch string) error {
	onRemote, err := g.CommitOnRemote(ctx, repoPath, sha)
	if err == nil && onRemote {
		return nil
	}

	if pushErr := g.Push(ctx, repoPath, branch, PushOptions{SetUpstream: true}); pushErr != nil {
		log.Printf("[git] plain push of %s failed, escalating to force-with-lease: %v", branch, pushErr)
		if forceErr := g.Push(ctx, repoPath, branch, PushOptions{SetUpstream: true, ForceWithLease: true}); forceErr != nil {
			return fmt.Errorf("ensure commit %s on remote: %w", shortSHA(sha), forceErr)
		}
	}

	onRemote, err = g.CommitOnRemote(ctx, repoPath, sha)
	if err != nil {
		return err
	}
	if !onRemote {
		return fmt.Errorf("commit %s still missing from origin after push", shortSHA(sha))
	}
	return nil
}

// CommitOnRemote reports whether any remote-tracking branch contains the sha.
func (g *ExecGateway) CommitOnRemote(ctx context.Context, repoPath, sha string) (bool, error) {
	out, err := g.run(ctx, repoPath, g.timeouts.Status, "branch", "-r", "--contains", sha)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Status returns git status --porcelain output.
func (g *ExecGateway) Status(ctx context.Context, repoPath string) (string, error) {
	return g.run(ctx, repoPath, g.timeouts.Status, "status", "--porcelain")
}

// Commit stages all changes and commits. A clean tree is a no-op.
func (g *ExecGateway) Commit(ctx context.Context, repoPath, message string) error {
	status, err := g.Status(ctx, repoPath)
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if err := g.runSilent(ctx, repoPath, 0, "add", "-A"); err != nil {
		return err
	}
	return g.runSilent(ctx, repoPath, 0, "commit", "-m", message)
}

// DetectWorkInWorkspace classifies the working tree's uncommitted state.
func (g *ExecGateway) DetectWorkInWorkspace(ctx context.Context, repoPath string) (*WorkDetection, error) {
	status, err := g.Status(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	return parseWorkDetection(status), nil
}

// parseWorkDetection splits porcelain status lines into tracked
// modifications and untracked files.
func parseWorkDetection(status string) *WorkDetection {
	detection := &WorkDetection{}
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames report "old -> new"; the new path is the live one.
		if idx := strings.LastIndex(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		if strings.HasPrefix(line, "??") {
			detection.HasUntrackedFiles = true
			detection.UntrackedFiles = append(detection.UntrackedFiles, path)
		} else {
			detection.HasUncommittedFiles = true
			detection.UncommittedFiles = append(detection.UncommittedFiles, path)
		}
	}
	return detection
}

// AutoCommitUncommittedWork is the safety net for agents that stopped before
// committing: stage everything, commit with a recovery message, push. The
// returned sha is empty when the tree was already clean.
func (g *ExecGateway) AutoCommitUncommittedWork(ctx context.Context, repoPath, storyTitle, branch string) (string, error) {
	detection, err := g.DetectWorkInWorkspace(ctx, repoPath)
	if err != nil {
		return "", err
	}
	if !detection.Any() {
		return "", nil
	}

	current, err := g.CurrentBranch(ctx, repoPath)
	if err != nil {
		return "", err
	}
	if current != branch {
		log.Printf("[git] auto-commit found work on %s instead of %s, committing in place", current, branch)
		branch = current
	}

	message := fmt.Sprintf("chore: recover uncommitted work for %q", storyTitle)
	if err := g.runSilent(ctx, repoPath, 0, "add", "-A"); err != nil {
		return "", err
	}
	if err := g.runSilent(ctx, repoPath, 0, "commit", "-m", message); err != nil {
		return "", err
	}

	sha, err := g.run(ctx, repoPath, g.timeouts.Status, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if err := g.Push(ctx, repoPath, branch, PushOptions{SetUpstream: true}); err != nil {
		return sha, fmt.Errorf("auto-commit pushed nothing: %w", err)
	}
	log.Printf("[git] auto-committed recovered work as %s on %s", shortSHA(sha), branch)
	return sha, nil
}

// Merge merges sourceBranch into targetBranch. The target is checked out and
// pre-pulled, stray untracked output is committed with a chore message, and
// conflicts come back in the result rather than as an error.
func (g *ExecGateway) Merge(ctx context.Context, repoPath, sourceBranch, targetBranch string, opts MergeOptions) (*MergeResult, error) {
	if err := g.Checkout(ctx, repoPath, targetBranch, ""); err != nil {
		return nil, fmt.Errorf("merge: checkout target %s: %w", targetBranch, err)
	}
	if err := g.PullFFOnly(ctx, repoPath); err != nil {
		log.Printf("[git] pre-merge pull --ff-only on %s failed: %v", targetBranch, err)
	}

	detection, err := g.DetectWorkInWorkspace(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if detection.Any() {
		if err := g.Commit(ctx, repoPath, "chore: commit generated files before merge"); err != nil {
			return nil, fmt.Errorf("merge: pre-merge commit: %w", err)
		}
	}

	args := []string{"merge"}
	if opts.NoFF {
		args = append(args, "--no-ff")
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, sourceBranch)

	out, mergeErr := g.run(ctx, repoPath, 0, args...)
	if mergeErr == nil {
		return &MergeResult{OK: true, Output: out}, nil
	}

	conflicted, err := g.ConflictedFiles(ctx, repoPath)
	if err == nil && len(conflicted) > 0 {
		return &MergeResult{OK: false, ConflictedFiles: conflicted, Output: out}, nil
	}
	return nil, mergeErr
}

// AbortMerge aborts an in-progress merge.
func (g *ExecGateway) AbortMerge(ctx context.Context, repoPath string) error {
	return g.runSilent(ctx, repoPath, 0, "merge", "--abort")
}

// ConflictedFiles lists unmerged paths.
func (g *ExecGateway) ConflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	out, err := g.run(ctx, repoPath, g.timeouts.Status, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// rollbackTag namespaces the rollback tag for a label.
func rollbackTag(label string) string {
	return "gaffer-rollback-" + label
}

// CreateRollbackPoint tags the current HEAD so a failed agent run can be
// reverted, and returns the tagged sha.
func (g *ExecGateway) CreateRollbackPoint(ctx context.Context, repoPath, label string) (string, error) {
	sha, err := g.run(ctx, repoPath, g.timeouts.Status, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rollback point: %w", err)
	}
	tag := rollbackTag(label)
	// Refresh a leftover tag from an earlier attempt.
	_, _ = g.run(ctx, repoPath, 0, "tag", "-d", tag)
	if _, err := g.run(ctx, repoPath, 0, "tag", tag, sha); err != nil {
		return "", fmt.Errorf("rollback point: %w", err)
	}
	return sha, nil
}

// ResetToRollbackPoint hard-resets the tree to a rollback tag.
func (g *ExecGateway) ResetToRollbackPoint(ctx context.Context, repoPath, label string) error {
	return g.runSilent(ctx, repoPath, 0, "reset", "--hard", rollbackTag(label))
}

// DeleteRollbackPoint removes the rollback tag.
func (g *ExecGateway) DeleteRollbackPoint(ctx context.Context, repoPath, label string) error {
	return g.runSilent(ctx, repoPath, 0, "tag", "-d", rollbackTag(label))
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
