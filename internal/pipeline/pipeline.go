// Package pipeline drives one story through the four stages: Developer,
// Git Validation, Judge, Merge. Every stage is idempotent with respect to
// the checkpoint store, so an interrupted story resumes at the earliest
// unfinished stage instead of restarting. Git is the source of truth
// throughout: agent claims are hints, the object graph decides.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/classify"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/git"
	"github.com/forgeline/gaffer/internal/logging"
	"github.com/forgeline/gaffer/internal/metrics"
	"github.com/forgeline/gaffer/internal/notify"
	"github.com/forgeline/gaffer/internal/sandbox"
	"github.com/forgeline/gaffer/pkg/models"
)

// Sentinel errors for stage outcomes the driver branches on.
var (
	// ErrNoCommitFound means git validation could not establish a commit
	// for the story by any means.
	ErrNoCommitFound = errors.New("no commit found for story")
	// ErrDeveloperFailed means the developer reported failure and git
	// confirms there is no work to salvage.
	ErrDeveloperFailed = errors.New("developer failed with no recoverable work")
	// ErrNoJudgeVerdict means the judge's output carried no verdict.
	ErrNoJudgeVerdict = errors.New("judge returned no verdict")
)

// DefaultPropagationWait is how long git validation waits for a push to
// propagate before fetching.
const DefaultPropagationWait = 3 * time.Second

// Deps is the capability set a pipeline needs. Everything is an interface
// or a value; nothing is a global.
type Deps struct {
	// Events is the append-only event log.
	Events *events.Log
	// Checkpoints is the story progress store.
	Checkpoints *checkpoint.Store
	// Git is the git gateway.
	Git git.Gateway
	// Sandbox executes build and install commands.
	Sandbox sandbox.Gateway
	// Runner executes the agents.
	Runner agent.Runner
	// Notifier is the fire-and-forget UI channel. Nil means log-only.
	Notifier notify.Notifier
	// Debug is the detailed transcript logger. Nil-safe.
	Debug *logging.DebugLogger
	// Limits are the classifier retry ceilings. Zero value means defaults.
	Limits classify.Limits
	// DeveloperTimeout, JudgeTimeout and ResolverTimeout cap agent
	// invocations by role. Zero means the runner's default.
	DeveloperTimeout time.Duration
	JudgeTimeout     time.Duration
	ResolverTimeout  time.Duration
	// BuildTimeout caps sandbox commands (builds, installs, rebuilds).
	BuildTimeout time.Duration
	// PropagationWait overrides DefaultPropagationWait. Tests set it low.
	PropagationWait time.Duration
	// ConflictFailAfter elevates a preserved merge conflict to a terminal
	// failure once its checkpoint is older than this. Zero disables the
	// window and conflicts are held indefinitely.
	ConflictFailAfter time.Duration
	// WatchWorkspace records file activity during the developer stage to
	// backfill file lists the agent omitted.
	WatchWorkspace bool
}

// Pipeline runs stories. One Pipeline serves a whole task; stories run
// through it sequentially.
type Pipeline struct {
	deps Deps
}

// New creates a pipeline, filling in defaults for optional dependencies.
func New(deps Deps) *Pipeline {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}
	if deps.Debug == nil {
		deps.Debug = logging.NopLogger()
	}
	if deps.Limits == (classify.Limits{}) {
		deps.Limits = classify.DefaultLimits()
	}
	if deps.PropagationWait == 0 {
		deps.PropagationWait = DefaultPropagationWait
	}
	if deps.BuildTimeout == 0 {
		deps.BuildTimeout = sandbox.DefaultExecTimeout
	}
	return &Pipeline{deps: deps}
}

// TaskContext carries the per-task values every story on the task shares.
type TaskContext struct {
	// Task is the owning task.
	Task models.Task
	// WorkspaceDir is the task's workspace root; each repository is a
	// subdirectory named after it.
	WorkspaceDir string
}

// RepoPath returns the checkout directory for a repository.
func (tc TaskContext) RepoPath(repoName string) string {
	return filepath.Join(tc.WorkspaceDir, repoName)
}

// stage names, used for checkpoints, retries and metrics.
const (
	phaseDeveloper     = "developer"
	phaseGitValidation = "git_validation"
	phaseJudge         = "judge"
	phaseMerge         = "merge"
)

// storyRun is the mutable state of one story's trip through the pipeline.
type storyRun struct {
	tc    TaskContext
	epic  models.Epic
	story models.Story

	repoPath  string
	branch    string
	commitSHA string
	dev       *models.DeveloperOutput
	feedback  string
	// verdict is the judge's decision in short form, kept for the
	// checkpoint record.
	verdict string

	// retries counts recovery re-entries per phase.
	retries map[string]int
	// conflictHeldSince is set on resume when a preserved merge conflict
	// has outlived the configured window. Zero means not expired.
	conflictHeldSince time.Time
	// specialistUsed caps the judge-rejection conflict route at one pass.
	specialistUsed bool

	result *StoryResult
}

// RunStory drives one story to a terminal or preserved state. It never
// returns an error: every failure ends up encoded in the StoryResult, and
// partial cost data survives into it.
func (p *Pipeline) RunStory(ctx context.Context, tc TaskContext, epic models.Epic, story models.Story) *StoryResult {
	run := &storyRun{
		tc:       tc,
		epic:     epic,
		story:    story,
		repoPath: tc.RepoPath(epic.Repository),
		branch:   story.BranchName,
		retries:  map[string]int{},
		result: &StoryResult{
			TaskID:  tc.Task.ID,
			EpicID:  epic.ID,
			StoryID: story.ID,
			Branch:  story.BranchName,
		},
	}

	stage, short := p.resumeStage(run)
	if short {
		return run.result
	}
	if !run.conflictHeldSince.IsZero() {
		analysis := models.FailureAnalysis{
			Category:   models.FailureMergeConflict,
			Strategy:   models.StrategyAccept,
			IsTerminal: true,
			Confidence: models.ConfidenceHigh,
			Evidence: []string{fmt.Sprintf("conflict preserved since %s, past the %s window",
				run.conflictHeldSince.Format(time.RFC3339), p.deps.ConflictFailAfter)},
			Recommendations: []string{
				fmt.Sprintf("resolve the conflict on branch %s by hand, or raise conflict.fail_after", run.branch),
			},
		}
		p.finalizeFailed(ctx, run, analysis, fmt.Errorf("merge conflict on %s unresolved after %s", run.branch, p.deps.ConflictFailAfter))
		return run.result
	}
	if stage != phaseDeveloper {
		log.Printf("[pipeline] story %s resumes at %s (checkpoint)", story.ID, stage)
	}

	for {
		if err := ctx.Err(); err != nil {
			// Cancellation preserves the checkpoint exactly where execution
			// paused; nothing is rolled back.
			run.result.Error = fmt.Sprintf("cancelled during %s: %v", stage, err)
			run.result.Status = run.storedStage(p.deps.Checkpoints)
			return run.result
		}

		var stageErr error
		started := time.Now()

		switch stage {
		case phaseDeveloper:
			stageErr = p.runDeveloper(ctx, run)
			if stageErr == nil {
				stage = phaseGitValidation
			}

		case phaseGitValidation:
			stageErr = p.runGitValidation(ctx, run)
			if stageErr == nil {
				stage = phaseJudge
			}

		case phaseJudge:
			outcome, err := p.runJudge(ctx, run)
			if err != nil {
				stageErr = err
				break
			}
			if outcome.Result.Approved {
				stage = phaseMerge
				break
			}
			if outcome.Result.RejectReason == models.RejectReasonConflicts && !run.specialistUsed {
				// Direct-to-judge specialist routing: the resolver runs
				// exactly once, then the judge gets one more look.
				run.specialistUsed = true
				if err := p.resolveConflictsOnBranch(ctx, run); err != nil {
					p.deps.Debug.Log("specialist resolution failed for %s: %v", run.story.ID, err)
					p.finalizeRejected(ctx, run, outcome.Result)
					return run.result
				}
				run.result.ResolvedBySpecialist = "ConflictResolver"
				continue
			}
			p.finalizeRejected(ctx, run, outcome.Result)
			return run.result

		case phaseMerge:
			err := p.runMerge(ctx, run)
			if err == nil {
				metrics.ObserveStage(stage, time.Since(started))
				p.finalizeCompleted(ctx, run)
				return run.result
			}
			if errors.Is(err, errConflictPreserved) {
				return run.result
			}
			stageErr = err
		}

		metrics.ObserveStage(stage, time.Since(started))

		if stageErr == nil {
			continue
		}

		outcome := p.recover(ctx, run, stage, stageErr)
		switch outcome {
		case recoveryRetry:
			run.retries[stage]++
			continue
		case recoveryDone:
			return run.result
		}
	}
}

// resumeStage loads the story's checkpoint and maps it to the stage the
// pipeline should enter. The second return is true when no work remains.
func (p *Pipeline) resumeStage(run *storyRun) (string, bool) {
	cp, err := p.deps.Checkpoints.Load(run.tc.Task.ID, run.epic.ID, run.story.ID)
	if err != nil {
		log.Printf("[pipeline] cannot load checkpoint for %s, starting fresh: %v", run.story.ID, err)
		return phaseDeveloper, false
	}
	if cp == nil {
		return phaseDeveloper, false
	}

	if cp.Branch != "" {
		run.branch = cp.Branch
		run.result.Branch = cp.Branch
	}
	if cp.CommitHash != "" {
		run.commitSHA = cp.CommitHash
		run.result.CommitSHA = cp.CommitHash
	}
	if cp.Verdict != "" {
		run.verdict = cp.Verdict
	}

	switch cp.Stage {
	case models.StoryStatusMergedToEpic, models.StoryStatusCompleted:
		// Zero-cost return: the work already merged.
		run.result.Status = models.StoryStatusCompleted
		return "", true
	case models.StoryStatusRejected, models.StoryStatusFailed:
		run.result.Status = cp.Stage
		run.result.Error = "story previously reached terminal state " + string(cp.Stage)
		return "", true
	case models.StoryStatusPushed, models.StoryStatusJudgeEvaluating:
		run.dev = p.syntheticOutput(run, cp)
		return phaseJudge, false
	case models.StoryStatusCodeWritten:
		run.dev = p.syntheticOutput(run, cp)
		return phaseGitValidation, false
	case models.StoryStatusMergeConflict:
		// A preserved conflict re-enters at merge: the commit already
		// passed the judge, so a human-cleaned branch retries the merge
		// without a fresh developer run.
		if p.deps.ConflictFailAfter > 0 && time.Since(cp.UpdatedAt) > p.deps.ConflictFailAfter {
			run.conflictHeldSince = cp.UpdatedAt
		}
		run.dev = p.syntheticOutput(run, cp)
		return phaseMerge, false
	default:
		return phaseDeveloper, false
	}
}

// syntheticOutput rebuilds a developer output from a checkpoint so later
// stages have something to work with after a restart.
func (p *Pipeline) syntheticOutput(run *storyRun, cp *checkpoint.Checkpoint) *models.DeveloperOutput {
	return &models.DeveloperOutput{
		Success:       true,
		CommitSHA:     cp.CommitHash,
		BranchName:    run.branch,
		FilesModified: cp.FilesModified,
		FilesCreated:  cp.FilesCreated,
		StoryID:       run.story.ID,
		SDKSessionID:  cp.SDKSessionID,
	}
}

// storedStage reports the story's checkpointed stage, for cancellation
// reporting. Falls back to not_started.
func (run *storyRun) storedStage(store *checkpoint.Store) models.StoryStatus {
	cp, err := store.Load(run.tc.Task.ID, run.epic.ID, run.story.ID)
	if err != nil || cp == nil {
		return models.StoryStatusNotStarted
	}
	return cp.Stage
}

// saveCheckpoint writes the story's progress, folding in what the run has
// learned so far. Regressions are logged, not fatal: the store keeps the
// furthest stage.
func (p *Pipeline) saveCheckpoint(run *storyRun, stage models.StoryStatus) {
	cp := &checkpoint.Checkpoint{
		TaskID:     run.tc.Task.ID,
		EpicID:     run.epic.ID,
		StoryID:    run.story.ID,
		Stage:      stage,
		CommitHash: run.commitSHA,
		Branch:     run.branch,
		Verdict:    run.verdict,
		CostUSD:    run.result.TotalCost(),
	}
	if run.dev != nil {
		cp.SDKSessionID = run.dev.SDKSessionID
		cp.FilesModified = run.dev.FilesModified
		cp.FilesCreated = run.dev.FilesCreated
	}
	if err := p.deps.Checkpoints.Save(cp); err != nil {
		if errors.Is(err, checkpoint.ErrStageRegression) {
			p.deps.Debug.Log("checkpoint for %s kept at later stage than %s", run.story.ID, stage)
			return
		}
		log.Printf("[pipeline] checkpoint save failed for %s at %s: %v", run.story.ID, stage, err)
	}
}

// emit appends an event and mirrors it to the notifier. Append failures are
// logged; the pipeline does not stop for a telemetry fault.
func (p *Pipeline) emit(ctx context.Context, taskID string, typ events.Type, agentName string, payload any) {
	evt, err := events.New(taskID, typ, agentName, payload)
	if err != nil {
		log.Printf("[pipeline] cannot build %s event: %v", typ, err)
		return
	}
	if _, err := p.deps.Events.SafeAppend(ctx, &evt); err != nil {
		log.Printf("[pipeline] cannot append %s event: %v", typ, err)
	}
	p.deps.Notifier.Emit(taskID, string(typ), payload)
}

// finalizeCompleted records a successful story across the event log,
// checkpoint store, notifier and metrics.
func (p *Pipeline) finalizeCompleted(ctx context.Context, run *storyRun) {
	run.result.Status = models.StoryStatusCompleted
	run.result.CommitSHA = run.commitSHA

	p.emit(ctx, run.tc.Task.ID, events.TypeStoryCompleted, "pipeline", events.StoryCompletedPayload{
		StoryID:                   run.story.ID,
		EpicID:                    run.epic.ID,
		CommitSHA:                 run.commitSHA,
		Branch:                    run.branch,
		RecoveredFromFailure:      run.result.RecoveredFromFailure,
		OriginalError:             run.result.OriginalError,
		MergeConflictAutoResolved: run.result.MergeConflictAutoResolved,
		ResolvedBySpecialist:      run.result.ResolvedBySpecialist,
		CostUSD:                   run.result.TotalCost(),
		Tokens:                    run.result.TotalTokens(),
		Developer:                 run.dev,
	})

	if err := p.deps.Checkpoints.MarkCompleted(run.tc.Task.ID, run.epic.ID, run.story.ID, run.verdict, ""); err != nil {
		log.Printf("[pipeline] cannot mark %s completed: %v", run.story.ID, err)
	}
	metrics.StoriesTotal.WithLabelValues(string(models.StoryStatusCompleted)).Inc()
	log.Printf("[pipeline] story %s completed (%s, $%.4f)", run.story.ID, shortSHA(run.commitSHA), run.result.TotalCost())
}

// finalizeRejected records a judge rejection. The branch is preserved for
// human inspection.
func (p *Pipeline) finalizeRejected(ctx context.Context, run *storyRun, verdict *models.JudgeResult) {
	run.result.Status = models.StoryStatusRejected
	run.result.Feedback = verdict.Feedback
	run.result.Error = fmt.Sprintf("judge rejected story: %s", verdict.RejectReason)

	analysis := classify.Classify(classify.Context{JudgeRejected: true, Phase: phaseJudge}, p.deps.Limits)
	run.result.Analysis = &analysis

	p.emit(ctx, run.tc.Task.ID, events.TypeStoryFailed, "judge", events.StoryFailedPayload{
		StoryID:              run.story.ID,
		EpicID:               run.epic.ID,
		Category:             models.FailureJudgeRejected,
		Error:                run.result.Error,
		Rejected:             true,
		Analysis:             &analysis,
		RecoveredFromFailure: run.result.RecoveredFromFailure,
		CostUSD:              run.result.TotalCost(),
	})

	p.saveCheckpoint(run, models.StoryStatusRejected)
	metrics.StoriesTotal.WithLabelValues(string(models.StoryStatusRejected)).Inc()
	log.Printf("[pipeline] story %s rejected by judge (%s); branch %s preserved", run.story.ID, verdict.RejectReason, run.branch)
}

// finalizeFailed records a terminal infrastructure failure. The analysis is
// stamped terminal before it is recorded: the classifier may have suggested
// salvage or another retry, but the decision taken here is to stop.
func (p *Pipeline) finalizeFailed(ctx context.Context, run *storyRun, analysis models.FailureAnalysis, cause error) {
	analysis.Strategy = models.StrategyAccept
	analysis.IsTerminal = true
	analysis.ShouldRetry = false
	analysis.ShouldCallJudge = false
	analysis.RetryDelayMS = 0
	analysis.MaxAdditionalRetries = 0

	run.result.Status = models.StoryStatusFailed
	run.result.Analysis = &analysis
	if cause != nil {
		run.result.Error = cause.Error()
	}

	p.emit(ctx, run.tc.Task.ID, events.TypeStoryFailed, "pipeline", events.StoryFailedPayload{
		StoryID:              run.story.ID,
		EpicID:               run.epic.ID,
		Category:             analysis.Category,
		Error:                run.result.Error,
		Analysis:             &analysis,
		RecoveredFromFailure: run.result.RecoveredFromFailure,
		CostUSD:              run.result.TotalCost(),
	})

	p.saveCheckpoint(run, models.StoryStatusFailed)
	metrics.StoriesTotal.WithLabelValues(string(models.StoryStatusFailed)).Inc()
	log.Printf("[pipeline] story %s failed terminally: %s (%s)", run.story.ID, run.result.Error, analysis.Category)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
