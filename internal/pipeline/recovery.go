package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/forgeline/gaffer/internal/classify"
	"github.com/forgeline/gaffer/internal/metrics"
	"github.com/forgeline/gaffer/pkg/models"
)

// recoveryOutcome tells the driver loop what to do after recovery ran.
type recoveryOutcome int

const (
	// recoveryRetry means re-run the failed stage.
	recoveryRetry recoveryOutcome = iota
	// recoveryDone means the run result is final; stop the loop.
	recoveryDone
)

// recover classifies a stage failure and acts on the strategy: retry the
// stage, salvage existing work through the judge, or fail terminally. It
// runs at most once per failure and never re-enters itself; anything that
// goes wrong during salvage ends the story terminally.
func (p *Pipeline) recover(ctx context.Context, run *storyRun, phase string, cause error) recoveryOutcome {
	log.Printf("[recovery] story %s failed during %s: %v", run.story.ID, phase, cause)

	fctx := classify.Context{
		Err:              cause,
		Phase:            phase,
		RetriesAttempted: run.retries[phase],
		DeveloperOutput:  run.dev,
	}
	if phase == phaseDeveloper || phase == phaseGitValidation {
		fctx.TimeoutMS = p.deps.DeveloperTimeout.Milliseconds()
	}

	// Evidence gathering is best-effort: a broken workspace must not block
	// classification, it just lowers what the classifier can see.
	if detection, err := p.deps.Git.DetectWorkInWorkspace(ctx, run.repoPath); err == nil {
		fctx.WorkspaceDetection = detection
	}
	if report, err := p.deps.Git.VerifyDeveloperWork(ctx, run.repoPath, run.branch, run.epic.BranchName); err == nil {
		fctx.HasCommitsOnBranch = report.HasCommits
		if report.HasCommits && run.commitSHA == "" {
			run.commitSHA = report.CommitSHA
		}
	}

	// An explicit developer failure with nothing in the tree carries no
	// salvageable evidence; let the retry ceiling govern it directly.
	if errors.Is(cause, ErrDeveloperFailed) {
		fctx.WorkspaceDetection = nil
		fctx.HasCommitsOnBranch = false
	}

	analysis := classify.Classify(fctx, p.deps.Limits)
	run.result.Analysis = &analysis
	log.Printf("[recovery] story %s classified %s, strategy %s (confidence %s)",
		run.story.ID, analysis.Category, analysis.Strategy, analysis.Confidence)

	switch {
	case analysis.ShouldCallJudge:
		p.salvageAndFinish(ctx, run, analysis, cause)
		return recoveryDone

	case analysis.ShouldRetry:
		metrics.RetriesTotal.WithLabelValues(string(analysis.Category)).Inc()
		if analysis.RetryDelayMS > 0 {
			select {
			case <-time.After(time.Duration(analysis.RetryDelayMS) * time.Millisecond):
			case <-ctx.Done():
				run.result.Error = fmt.Sprintf("cancelled while waiting to retry %s: %v", phase, ctx.Err())
				run.result.Status = run.storedStage(p.deps.Checkpoints)
				return recoveryDone
			}
		}
		log.Printf("[recovery] retrying %s for story %s (attempt %d, up to %d more)",
			phase, run.story.ID, run.retries[phase]+1, analysis.MaxAdditionalRetries)
		return recoveryRetry

	default:
		p.finalizeFailed(ctx, run, analysis, cause)
		return recoveryDone
	}
}

// salvageAndFinish drives recovered work the rest of the way: establish a
// commit, push it, then run judge and merge to a terminal state. The
// original error is preserved on the result so a completed story still
// shows what it recovered from.
func (p *Pipeline) salvageAndFinish(ctx context.Context, run *storyRun, analysis models.FailureAnalysis, cause error) {
	run.result.RecoveredFromFailure = true
	run.result.OriginalError = cause.Error()

	sha, err := p.establishSalvageCommit(ctx, run, analysis)
	if err != nil || sha == "" {
		// Scenario: recovery found nothing shippable after all. Terminal.
		metrics.RecoveriesTotal.WithLabelValues("nothing_to_salvage").Inc()
		if err == nil {
			err = fmt.Errorf("no salvageable commit on %s: %w", run.branch, cause)
		}
		p.finalizeFailed(ctx, run, analysis, err)
		return
	}
	run.commitSHA = sha
	run.result.CommitSHA = sha

	if err := p.deps.Git.EnsureCommitOnRemote(ctx, run.repoPath, sha, run.branch); err != nil {
		metrics.RecoveriesTotal.WithLabelValues("push_failed").Inc()
		p.finalizeFailed(ctx, run, analysis, fmt.Errorf("push salvaged commit %s: %w", shortSHA(sha), err))
		return
	}
	p.saveCheckpoint(run, models.StoryStatusPushed)
	log.Printf("[recovery] story %s salvaged %s, routing to judge", run.story.ID, shortSHA(sha))

	if run.dev == nil {
		// Later stages expect an output; synthesize one from what git knows.
		run.dev = &models.DeveloperOutput{
			Success:    true,
			CommitSHA:  sha,
			BranchName: run.branch,
			StoryID:    run.story.ID,
		}
	}

	outcome, err := p.runJudge(ctx, run)
	if err != nil {
		metrics.RecoveriesTotal.WithLabelValues("judge_failed").Inc()
		p.finalizeFailed(ctx, run, analysis, fmt.Errorf("judge on salvaged work: %w", err))
		return
	}
	if !outcome.Result.Approved {
		metrics.RecoveriesTotal.WithLabelValues("judge_rejected").Inc()
		p.finalizeRejected(ctx, run, outcome.Result)
		return
	}

	switch mergeErr := p.runMerge(ctx, run); {
	case mergeErr == nil:
		metrics.RecoveriesTotal.WithLabelValues("completed").Inc()
		p.finalizeCompleted(ctx, run)
	case errors.Is(mergeErr, errConflictPreserved):
		metrics.RecoveriesTotal.WithLabelValues("conflict_preserved").Inc()
	default:
		metrics.RecoveriesTotal.WithLabelValues("merge_failed").Inc()
		p.finalizeFailed(ctx, run, analysis, fmt.Errorf("merge salvaged work: %w", mergeErr))
	}
}

// establishSalvageCommit turns whatever evidence exists into a commit sha:
// a dirty tree gets auto-committed, otherwise the branch tip is used.
func (p *Pipeline) establishSalvageCommit(ctx context.Context, run *storyRun, analysis models.FailureAnalysis) (string, error) {
	if analysis.Strategy == models.StrategyAutoCommitAndContinue {
		sha, err := p.deps.Git.AutoCommitUncommittedWork(ctx, run.repoPath, run.story.Title, run.branch)
		if err != nil {
			return "", fmt.Errorf("auto-commit recovered work: %w", err)
		}
		if sha != "" {
			return sha, nil
		}
		// The tree cleaned itself between detection and commit; fall
		// through to the branch tip.
	}

	report, err := p.deps.Git.VerifyDeveloperWork(ctx, run.repoPath, run.branch, run.epic.BranchName)
	if err != nil {
		return "", fmt.Errorf("verify salvageable commits: %w", err)
	}
	if report.HasCommits {
		return report.CommitSHA, nil
	}
	if run.commitSHA != "" {
		return run.commitSHA, nil
	}
	return "", nil
}
