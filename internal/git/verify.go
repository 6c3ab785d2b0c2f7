package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// maxWalkDepth bounds the history walk when no base ref is supplied.
const maxWalkDepth = 100

// VerifyDeveloperWork inspects the repository's object database directly and
// reports the commits on branch beyond baseRef. A missing branch is reported
// as no work, not as an error, because agents sometimes never create one.
func (g *ExecGateway) VerifyDeveloperWork(ctx context.Context, repoPath, branch, baseRef string) (*WorkReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return &WorkReport{}, nil
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	tip, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read tip of %s: %w", branch, err)
	}

	var baseHash plumbing.Hash
	if baseRef != "" {
		resolved, err := repo.ResolveRevision(plumbing.Revision(baseRef))
		if err != nil {
			return nil, fmt.Errorf("resolve base %s: %w", baseRef, err)
		}
		baseHash = *resolved
	}

	report := &WorkReport{
		CommitSHA:     tip.Hash.String(),
		CommitMessage: subjectLine(tip.Message),
	}

	iter := object.NewCommitPreorderIter(tip, nil, nil)
	defer iter.Close()
	for {
		commit, err := iter.Next()
		if err != nil {
			break
		}
		if baseRef != "" && commit.Hash == baseHash {
			break
		}
		report.CommitCount++
		if baseRef == "" && report.CommitCount >= maxWalkDepth {
			break
		}
	}

	report.HasCommits = report.CommitCount > 0
	if !report.HasCommits {
		report.CommitSHA = ""
		report.CommitMessage = ""
	}
	return report, nil
}

// ValidateRepositoryState confirms the repository is quiescent: not mid-merge,
// not mid-rebase, and with a readable HEAD.
func (g *ExecGateway) ValidateRepositoryState(ctx context.Context, repoPath string) error {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	if _, err := g.run(ctx, repoPath, g.timeouts.Status, "rev-parse", "-q", "--verify", "MERGE_HEAD"); err == nil {
		return fmt.Errorf("repository %s has a merge in progress", repoPath)
	}
	if _, err := g.run(ctx, repoPath, g.timeouts.Status, "rev-parse", "-q", "--verify", "REBASE_HEAD"); err == nil {
		return fmt.Errorf("repository %s has a rebase in progress", repoPath)
	}

	if _, err := repo.Head(); err != nil {
		return fmt.Errorf("repository %s has no readable HEAD: %w", repoPath, err)
	}
	return nil
}

// subjectLine returns the first line of a commit message.
func subjectLine(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		return strings.TrimSpace(message[:idx])
	}
	return strings.TrimSpace(message)
}
