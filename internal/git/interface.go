// Package git encapsulates all shell-level git interaction for the pipeline.
package git

import "context"

// Result is the outcome of a raw git invocation.
type Result struct {
	// OK is true when the command exited zero.
	OK bool
	// Output is the trimmed combined output.
	Output string
	// Err carries the failure, nil when OK.
	Err error
}

// PushOptions modify Push behavior.
type PushOptions struct {
	// SetUpstream passes -u so the branch tracks origin.
	SetUpstream bool
	// ForceWithLease force-pushes, refusing to clobber unseen remote work.
	ForceWithLease bool
}

// MergeOptions modify Merge behavior.
type MergeOptions struct {
	// NoFF always creates a merge commit.
	NoFF bool
	// Message overrides the default merge commit message.
	Message string
}

// MergeResult reports how a merge ended.
type MergeResult struct {
	// OK is true when the merge committed cleanly.
	OK bool
	// ConflictedFiles lists unmerged paths when the merge stopped on conflicts.
	ConflictedFiles []string
	// Output is the raw merge output, kept for diagnostics.
	Output string
}

// WorkDetection classifies the uncommitted state of a working tree.
type WorkDetection struct {
	// HasUncommittedFiles is true when tracked files have modifications.
	HasUncommittedFiles bool
	// HasUntrackedFiles is true when new files exist outside the index.
	HasUntrackedFiles bool
	// UncommittedFiles lists the modified tracked paths.
	UncommittedFiles []string
	// UntrackedFiles lists the untracked paths.
	UntrackedFiles []string
}

// Any reports whether the tree holds any recoverable work.
func (d *WorkDetection) Any() bool {
	return d != nil && (d.HasUncommittedFiles || d.HasUntrackedFiles)
}

// WorkReport summarizes the commits a developer produced on a branch.
type WorkReport struct {
	// HasCommits is true when the branch carries commits beyond the base.
	HasCommits bool
	// CommitCount is the number of such commits.
	CommitCount int
	// CommitSHA is the branch tip.
	CommitSHA string
	// CommitMessage is the tip commit's subject line.
	CommitMessage string
}

// BranchOperations covers branch lifecycle commands.
type BranchOperations interface {
	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	// Checkout switches to branch, creating it from the remote tracking
	// branch or, failing that, from createFrom. Idempotent.
	Checkout(ctx context.Context, repoPath, branch, createFrom string) error
	// BranchExists reports whether the local branch exists.
	BranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	// RemoteBranchExists reports whether origin has the branch.
	RemoteBranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	// BranchTip returns the sha at the head of a local branch.
	BranchTip(ctx context.Context, repoPath, branch string) (string, error)
	// DeleteBranch removes the branch locally and, when bothSides, on origin.
	DeleteBranch(ctx context.Context, repoPath, branch string, bothSides bool) error
}

// SyncOperations covers everything that touches the network.
type SyncOperations interface {
	// Fetch prune-fetches origin with retries.
	Fetch(ctx context.Context, repoPath string) error
	// Push pushes the branch with retries, then pulls --ff-only to resync.
	Push(ctx context.Context, repoPath, branch string, opts PushOptions) error
	// PullFFOnly fast-forwards the current branch. Missing remotes are not errors.
	PullFFOnly(ctx context.Context, repoPath string) error
	// EnsureBranchOnRemote pushes the branch if origin lacks it.
	EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) error
	// EnsureCommitOnRemote pushes until the sha is reachable from origin,
	// escalating to force-with-lease as a last resort.
	EnsureCommitOnRemote(ctx context.Context, repoPath, sha, branch string) error
	// CommitOnRemote reports whether any remote branch contains the sha.
	CommitOnRemote(ctx context.Context, repoPath, sha string) (bool, error)
}

// WorkOperations covers working-tree inspection and commits.
type WorkOperations interface {
	// Status returns git status --porcelain output.
	Status(ctx context.Context, repoPath string) (string, error)
	// Commit stages everything and commits. No-op when the tree is clean.
	Commit(ctx context.Context, repoPath, message string) error
	// DetectWorkInWorkspace classifies uncommitted vs untracked files.
	DetectWorkInWorkspace(ctx context.Context, repoPath string) (*WorkDetection, error)
	// VerifyDeveloperWork reports the commits on branch beyond baseRef.
	VerifyDeveloperWork(ctx context.Context, repoPath, branch, baseRef string) (*WorkReport, error)
	// AutoCommitUncommittedWork commits and pushes a dirty tree as a safety
	// net, returning the resulting sha. Empty sha means nothing to commit.
	AutoCommitUncommittedWork(ctx context.Context, repoPath, storyTitle, branch string) (string, error)
}

// MergeOperations covers merging story branches into epic branches.
type MergeOperations interface {
	// Merge checks out target, pre-pulls, commits stray untracked output,
	// then merges source. Conflicts are reported, not resolved.
	Merge(ctx context.Context, repoPath, sourceBranch, targetBranch string, opts MergeOptions) (*MergeResult, error)
	// AbortMerge aborts an in-progress merge.
	AbortMerge(ctx context.Context, repoPath string) error
	// ConflictedFiles lists unmerged paths.
	ConflictedFiles(ctx context.Context, repoPath string) ([]string, error)
}

// RollbackOperations covers tag-based rollback points around agent runs.
type RollbackOperations interface {
	// CreateRollbackPoint tags the current HEAD and returns its sha.
	CreateRollbackPoint(ctx context.Context, repoPath, label string) (string, error)
	// ResetToRollbackPoint hard-resets the tree to a rollback tag.
	ResetToRollbackPoint(ctx context.Context, repoPath, label string) error
	// DeleteRollbackPoint removes the rollback tag.
	DeleteRollbackPoint(ctx context.Context, repoPath, label string) error
}

// Gateway is the complete git capability set the pipeline depends on.
// Consumers should prefer the focused interfaces where possible.
type Gateway interface {
	BranchOperations
	SyncOperations
	WorkOperations
	MergeOperations
	RollbackOperations
	// Run executes an arbitrary git command in the repository.
	Run(ctx context.Context, repoPath string, args ...string) Result
}
