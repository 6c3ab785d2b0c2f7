package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/pkg/models"
)

// runGitValidation is stage B: establish the exact commit representing the
// developer's work. The agent's textual claims are consulted last; the git
// object graph decides first.
func (p *Pipeline) runGitValidation(ctx context.Context, run *storyRun) error {
	// Give a just-finished push a moment to propagate before fetching.
	select {
	case <-time.After(p.deps.PropagationWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	// The event log knows the definitive branch for the story; the agent
	// may have drifted from the one it was told.
	if state, err := p.deps.Events.GetCurrentState(ctx, run.tc.Task.ID); err == nil {
		if branch := state.BranchForStory(run.story.ID); branch != "" && branch != run.branch {
			log.Printf("[pipeline] story %s branch corrected %s -> %s per event log", run.story.ID, run.branch, branch)
			run.branch = branch
			run.result.Branch = branch
		}
	}

	var signals agent.Signals
	if run.dev != nil {
		signals = agent.ExtractSignals(run.dev.RawResponse)
	}

	if err := p.deps.Git.Fetch(ctx, run.repoPath); err != nil {
		return fmt.Errorf("fetch before validation: %w", err)
	}

	report, err := p.deps.Git.VerifyDeveloperWork(ctx, run.repoPath, run.branch, run.epic.BranchName)
	if err != nil {
		return fmt.Errorf("verify developer work on %s: %w", run.branch, err)
	}

	// An explicit FAILED marker with no git work means exactly what it
	// says. With work present the marker is just a hint and git wins.
	if signals.Failed && !report.HasCommits {
		detection, derr := p.deps.Git.DetectWorkInWorkspace(ctx, run.repoPath)
		if derr == nil && !detection.Any() {
			return fmt.Errorf("%w: story %s", ErrDeveloperFailed, run.story.ID)
		}
	}

	switch {
	case report.HasCommits:
		run.commitSHA = report.CommitSHA
		log.Printf("[pipeline] story %s has %d commits, tip %s", run.story.ID, report.CommitCount, shortSHA(report.CommitSHA))

	default:
		// No commits on the branch. Salvage whatever sits in the tree.
		sha, acErr := p.deps.Git.AutoCommitUncommittedWork(ctx, run.repoPath, run.story.Title, run.branch)
		if acErr != nil {
			p.deps.Debug.Log("auto-commit for %s: %v", run.story.ID, acErr)
		}
		if sha != "" {
			run.commitSHA = sha
			log.Printf("[pipeline] story %s salvaged uncommitted work as %s", run.story.ID, shortSHA(sha))
			break
		}

		// Last resort: the SHA the agent printed, if the object exists.
		if signals.CommitSHA != "" {
			if res := p.deps.Git.Run(ctx, run.repoPath, "cat-file", "-e", signals.CommitSHA); res.OK {
				run.commitSHA = signals.CommitSHA
				log.Printf("[pipeline] story %s accepted marker SHA %s as last resort", run.story.ID, shortSHA(signals.CommitSHA))
			}
		}
	}

	if run.commitSHA == "" {
		return fmt.Errorf("%w: branch %s", ErrNoCommitFound, run.branch)
	}

	if err := p.deps.Git.EnsureCommitOnRemote(ctx, run.repoPath, run.commitSHA, run.branch); err != nil {
		return fmt.Errorf("ensure %s on remote: %w", shortSHA(run.commitSHA), err)
	}

	run.result.CommitSHA = run.commitSHA
	p.saveCheckpoint(run, models.StoryStatusPushed)

	// Best-effort confirmation, off the critical path.
	go func() {
		verifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.deps.Events.VerifyStoryPush(verifyCtx, events.VerifyPushRequest{
			TaskID:   run.tc.Task.ID,
			StoryID:  run.story.ID,
			Branch:   run.branch,
			RepoPath: run.repoPath,
		})
	}()

	return nil
}
