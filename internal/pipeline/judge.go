package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/metrics"
	"github.com/forgeline/gaffer/internal/sandbox"
	"github.com/forgeline/gaffer/pkg/models"
)

// runJudge is stage C: sync the workspace to the exact commit under
// review, run optional build verification, then ask the judge.
func (p *Pipeline) runJudge(ctx context.Context, run *storyRun) (*judgeOutcome, error) {
	if err := p.syncToStoryBranch(ctx, run); err != nil {
		return nil, err
	}

	p.saveCheckpoint(run, models.StoryStatusJudgeEvaluating)

	// Build verification is evidence for the judge, never a gate: a failing
	// build gets recorded in the judge's context and the judge decides.
	buildChecks := p.runBuildVerification(ctx, run)

	input := models.JudgeInput{
		TaskID:        run.tc.Task.ID,
		Story:         run.story,
		Epic:          run.epic,
		CommitSHA:     run.commitSHA,
		Branch:        run.branch,
		WorkspacePath: run.repoPath,
		BuildChecks:   buildChecks,
	}

	res, err := p.deps.Runner.ExecuteAgent(ctx, agent.Request{
		Role:         agent.RoleJudge,
		Prompt:       agent.JudgePrompt(input),
		WorkspaceDir: run.repoPath,
		TaskID:       run.tc.Task.ID,
		StoryID:      run.story.ID,
		Timeout:      p.deps.JudgeTimeout,
	})
	if res != nil {
		run.result.JudgeCost += res.CostUSD
		run.result.JudgeTokens = run.result.JudgeTokens.Add(res.Usage)
		metrics.CostUSD.WithLabelValues(string(agent.RoleJudge)).Add(res.CostUSD)
	}
	if err != nil {
		return nil, fmt.Errorf("judge agent for story %s: %w", run.story.ID, err)
	}

	verdict, ok := agent.ParseJudgeResult(res.Output)
	if !ok {
		return nil, fmt.Errorf("%w: story %s", ErrNoJudgeVerdict, run.story.ID)
	}
	run.result.JudgeCost += verdict.CostUSD
	run.result.JudgeTokens = run.result.JudgeTokens.Add(verdict.Tokens)

	if verdict.Approved {
		run.verdict = fmt.Sprintf("approved (score %d)", verdict.Score)
	} else {
		run.verdict = fmt.Sprintf("rejected: %s", verdict.RejectReason)
	}

	log.Printf("[pipeline] judge verdict for story %s: approved=%t reason=%s", run.story.ID, verdict.Approved, verdict.RejectReason)
	return &judgeOutcome{Result: verdict, BuildChecks: buildChecks}, nil
}

// syncToStoryBranch pins the checkout to the remote story branch so the
// judge sees exactly the pushed commit, local drift discarded.
func (p *Pipeline) syncToStoryBranch(ctx context.Context, run *storyRun) error {
	if err := p.deps.Git.Fetch(ctx, run.repoPath); err != nil {
		return fmt.Errorf("fetch before judge: %w", err)
	}
	if err := p.deps.Git.Checkout(ctx, run.repoPath, run.branch, run.epic.BranchName); err != nil {
		return fmt.Errorf("checkout %s for judge: %w", run.branch, err)
	}
	if onRemote, err := p.deps.Git.RemoteBranchExists(ctx, run.repoPath, run.branch); err == nil && onRemote {
		if res := p.deps.Git.Run(ctx, run.repoPath, "reset", "--hard", "origin/"+run.branch); !res.OK {
			return fmt.Errorf("reset to origin/%s: %w", run.branch, res.Err)
		}
	}
	return nil
}

// runBuildVerification executes the repository's configured checks in the
// sandbox and summarises the outcome for the judge prompt. Failures are
// recorded, never blocking.
func (p *Pipeline) runBuildVerification(ctx context.Context, run *storyRun) string {
	cmds := run.tc.Task.Environment.CommandsFor(run.epic.Repository)
	checks := []struct {
		name    string
		command string
	}{
		{"typecheck", cmds.Typecheck},
		{"tests", cmds.Test},
		{"lint", cmds.Lint},
		{"build", cmds.Build},
	}

	var summary []string
	for _, check := range checks {
		if check.command == "" {
			continue
		}
		res, err := p.deps.Sandbox.Exec(ctx, run.tc.Task.ID, check.command, sandbox.ExecOptions{
			Cwd:     run.repoPath,
			Timeout: p.deps.BuildTimeout,
		})
		switch {
		case err != nil:
			p.deps.Debug.Log("build check %s errored for %s: %v", check.name, run.story.ID, err)
			summary = append(summary, check.name+" did not run")
		case res.OK():
			summary = append(summary, check.name+" passed")
		default:
			p.deps.Debug.Log("build check %s failed for %s (exit %d): %s", check.name, run.story.ID, res.ExitCode, clip(res.Stderr, 2000))
			summary = append(summary, check.name+" FAILED")
		}
	}
	return strings.Join(summary, ", ")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
