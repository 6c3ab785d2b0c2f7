package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/git"
	"github.com/forgeline/gaffer/internal/metrics"
	"github.com/forgeline/gaffer/internal/sandbox"
	"github.com/forgeline/gaffer/pkg/models"
)

// errConflictPreserved signals that the merge stopped on conflicts neither
// resolver could clean, and the story is preserved for human resolution.
// The run result is already finalized when this is returned.
var errConflictPreserved = errors.New("merge conflict preserved for human resolution")

// runMerge is stage D: merge the approved story branch into the epic
// branch, rebuild, and clean up. Conflicts go through regex resolution,
// then the agent resolver, then preservation.
func (p *Pipeline) runMerge(ctx context.Context, run *storyRun) error {
	message := fmt.Sprintf("Merge story: %s", run.story.Title)
	mergeRes, err := p.deps.Git.Merge(ctx, run.repoPath, run.branch, run.epic.BranchName, git.MergeOptions{
		NoFF:    true,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("merge %s into %s: %w", run.branch, run.epic.BranchName, err)
	}

	if !mergeRes.OK {
		if err := p.resolveMergeConflicts(ctx, run, mergeRes.ConflictedFiles); err != nil {
			return err
		}
	}

	if err := p.deps.Git.Push(ctx, run.repoPath, run.epic.BranchName, git.PushOptions{}); err != nil {
		return fmt.Errorf("push epic branch %s: %w", run.epic.BranchName, err)
	}

	p.saveCheckpoint(run, models.StoryStatusMergedToEpic)

	p.maybeRebuild(ctx, run)

	// Branch cleanup is best-effort; a leftover branch is noise, not a fault.
	if err := p.deps.Git.DeleteBranch(ctx, run.repoPath, run.branch, true); err != nil {
		p.deps.Debug.Log("cannot delete story branch %s: %v", run.branch, err)
	}

	return nil
}

// resolveMergeConflicts runs the two-tier conflict resolution on an
// in-progress merge: regex union first, the agent resolver second,
// abort-and-preserve third.
func (p *Pipeline) resolveMergeConflicts(ctx context.Context, run *storyRun, conflicted []string) error {
	log.Printf("[pipeline] merge of %s hit conflicts in %d files", run.branch, len(conflicted))

	if p.tryRegexResolution(run, conflicted) {
		metrics.MergeConflictsTotal.WithLabelValues("regex").Inc()
		if err := p.commitResolvedMerge(ctx, run, fmt.Sprintf("Merge story: %s (auto-resolved conflicts)", run.story.Title)); err != nil {
			return err
		}
		run.result.MergeConflictAutoResolved = true
		p.maybeReinstallDependencies(ctx, run, conflicted)
		return nil
	}

	if p.tryAgentResolution(ctx, run, conflicted) {
		metrics.MergeConflictsTotal.WithLabelValues("agent").Inc()
		if err := p.commitResolvedMerge(ctx, run, fmt.Sprintf("Merge story: %s (conflicts resolved by agent)", run.story.Title)); err != nil {
			return err
		}
		run.result.MergeConflictAutoResolved = true
		p.maybeReinstallDependencies(ctx, run, conflicted)
		return nil
	}

	// Neither resolver could clean the merge. Abort, preserve, move on:
	// this is a distinct non-terminal outcome, not a failure.
	metrics.MergeConflictsTotal.WithLabelValues("unresolved").Inc()
	if err := p.deps.Git.AbortMerge(ctx, run.repoPath); err != nil {
		log.Printf("[pipeline] abort merge for %s: %v", run.story.ID, err)
	}

	run.result.Status = models.StoryStatusMergeConflict
	run.result.Error = fmt.Sprintf("merge conflicts in %s unresolvable automatically", strings.Join(conflicted, ", "))
	p.emit(ctx, run.tc.Task.ID, events.TypeStoryConflictPreserved, "pipeline", events.StoryConflictPreservedPayload{
		StoryID:         run.story.ID,
		EpicID:          run.epic.ID,
		Branch:          run.branch,
		ConflictedFiles: conflicted,
	})
	p.saveCheckpoint(run, models.StoryStatusMergeConflict)
	metrics.StoriesTotal.WithLabelValues(string(models.StoryStatusMergeConflict)).Inc()
	log.Printf("[pipeline] story %s preserved with merge conflicts on %s", run.story.ID, run.branch)
	return errConflictPreserved
}

// tryRegexResolution rewrites every conflicted file with the union of both
// sides. Succeeds only when every file ends up marker-free.
func (p *Pipeline) tryRegexResolution(run *storyRun, conflicted []string) bool {
	type rewrite struct {
		path    string
		content string
	}
	var rewrites []rewrite

	for _, rel := range conflicted {
		path := filepath.Join(run.repoPath, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			p.deps.Debug.Log("regex resolution: cannot read %s: %v", rel, err)
			return false
		}
		resolved, ok := ResolveUnion(string(data))
		if !ok || HasConflictMarkers(resolved) {
			p.deps.Debug.Log("regex resolution left markers in %s", rel)
			return false
		}
		rewrites = append(rewrites, rewrite{path: path, content: resolved})
	}

	// All files resolved cleanly; only now touch the tree.
	for _, rw := range rewrites {
		if err := os.WriteFile(rw.path, []byte(rw.content), 0o644); err != nil {
			p.deps.Debug.Log("regex resolution: cannot write %s: %v", rw.path, err)
			return false
		}
	}
	log.Printf("[pipeline] regex resolution cleaned %d conflicted files for %s", len(rewrites), run.story.ID)
	return true
}

// tryAgentResolution hands the markered files to the conflict resolver
// agent and verifies it left no markers behind.
func (p *Pipeline) tryAgentResolution(ctx context.Context, run *storyRun, conflicted []string) bool {
	prompt := agent.ResolverPrompt(run.epic.Repository, run.branch, run.epic.BranchName, conflicted)
	res, err := p.deps.Runner.ExecuteAgent(ctx, agent.Request{
		Role:         agent.RoleConflictResolver,
		Prompt:       prompt,
		WorkspaceDir: run.repoPath,
		TaskID:       run.tc.Task.ID,
		StoryID:      run.story.ID,
		Timeout:      p.deps.ResolverTimeout,
	})
	if res != nil {
		// The resolver's spend is charged to the story either way.
		run.result.ConflictCost += res.CostUSD
		run.result.ConflictTokens = run.result.ConflictTokens.Add(res.Usage)
		metrics.CostUSD.WithLabelValues(string(agent.RoleConflictResolver)).Add(res.CostUSD)
	}
	if err != nil {
		log.Printf("[pipeline] conflict resolver errored for %s: %v", run.story.ID, err)
		return false
	}

	if resolved, reason, found := agent.ParseResolverResult(res.Output); found && !resolved {
		log.Printf("[pipeline] conflict resolver declared %s unresolvable: %s", run.story.ID, reason)
		return false
	}

	// Trust nothing: re-read every file and look for markers.
	for _, rel := range conflicted {
		data, err := os.ReadFile(filepath.Join(run.repoPath, rel))
		if err != nil || HasConflictMarkers(string(data)) {
			log.Printf("[pipeline] conflict resolver left markers in %s", rel)
			return false
		}
	}
	return true
}

// commitResolvedMerge stages and commits the resolved tree, completing the
// in-progress merge.
func (p *Pipeline) commitResolvedMerge(ctx context.Context, run *storyRun, message string) error {
	if err := p.deps.Git.Commit(ctx, run.repoPath, message); err != nil {
		return fmt.Errorf("commit resolved merge: %w", err)
	}
	return nil
}

// maybeReinstallDependencies runs the repository's install command in the
// sandbox when a dependency manifest was among the conflicted files.
func (p *Pipeline) maybeReinstallDependencies(ctx context.Context, run *storyRun, conflicted []string) {
	if !AnyDependencyManifest(conflicted) {
		return
	}
	install := InstallCommandFor(run.tc.Task.Environment, run.epic.Repository)
	if install == "" {
		p.deps.Debug.Log("manifest conflict in %s but no install command configured", run.epic.Repository)
		return
	}
	log.Printf("[pipeline] manifest conflict resolved, reinstalling dependencies: %s", install)
	res, err := p.deps.Sandbox.Exec(ctx, run.tc.Task.ID, install, sandbox.ExecOptions{
		Cwd:     run.repoPath,
		Timeout: p.deps.BuildTimeout,
	})
	if err != nil {
		log.Printf("[pipeline] dependency install errored: %v", err)
	} else if !res.OK() {
		log.Printf("[pipeline] dependency install exited %d: %s", res.ExitCode, clip(res.Stderr, 2000))
	}
}

// maybeRebuild triggers the environment rebuild after a merge. An echo
// command signals hot reload and suppresses the rebuild.
func (p *Pipeline) maybeRebuild(ctx context.Context, run *storyRun) {
	rebuild := run.tc.Task.Environment.CommandsFor(run.epic.Repository).Rebuild
	if rebuild == "" || strings.HasPrefix(strings.TrimSpace(rebuild), "echo") {
		return
	}
	log.Printf("[pipeline] rebuilding %s after merge: %s", run.epic.Repository, rebuild)
	res, err := p.deps.Sandbox.Exec(ctx, run.tc.Task.ID, rebuild, sandbox.ExecOptions{
		Cwd:     run.repoPath,
		Timeout: p.deps.BuildTimeout,
	})
	if err != nil {
		log.Printf("[pipeline] rebuild errored: %v", err)
	} else if !res.OK() {
		log.Printf("[pipeline] rebuild exited %d: %s", res.ExitCode, clip(res.Stderr, 2000))
	}
}

// resolveConflictsOnBranch is the direct-to-judge specialist route: the
// judge rejected with reason=conflicts, so the resolver cleans the story
// branch itself (no merge in progress), commits and pushes.
func (p *Pipeline) resolveConflictsOnBranch(ctx context.Context, run *storyRun) error {
	if err := p.syncToStoryBranch(ctx, run); err != nil {
		return err
	}

	conflicted := p.filesWithMarkers(ctx, run.repoPath)
	if len(conflicted) == 0 {
		// The judge saw conflicts the working tree does not show. Hand the
		// branch back to the judge unchanged rather than inventing work.
		log.Printf("[pipeline] judge flagged conflicts on %s but no markers found", run.branch)
		return nil
	}

	prompt := agent.ResolverPrompt(run.epic.Repository, run.branch, run.epic.BranchName, conflicted)
	res, err := p.deps.Runner.ExecuteAgent(ctx, agent.Request{
		Role:         agent.RoleConflictResolver,
		Prompt:       prompt,
		WorkspaceDir: run.repoPath,
		TaskID:       run.tc.Task.ID,
		StoryID:      run.story.ID,
		Timeout:      p.deps.ResolverTimeout,
	})
	if res != nil {
		run.result.ConflictCost += res.CostUSD
		run.result.ConflictTokens = run.result.ConflictTokens.Add(res.Usage)
		metrics.CostUSD.WithLabelValues(string(agent.RoleConflictResolver)).Add(res.CostUSD)
	}
	if err != nil {
		return fmt.Errorf("conflict resolver on branch %s: %w", run.branch, err)
	}

	if remaining := p.filesWithMarkers(ctx, run.repoPath); len(remaining) > 0 {
		return fmt.Errorf("conflict resolver left markers in %s", strings.Join(remaining, ", "))
	}

	if err := p.deps.Git.Commit(ctx, run.repoPath, fmt.Sprintf("fix: resolve conflicts in %s", run.story.Title)); err != nil {
		return fmt.Errorf("commit resolved files: %w", err)
	}
	if err := p.deps.Git.Push(ctx, run.repoPath, run.branch, git.PushOptions{SetUpstream: true}); err != nil {
		return fmt.Errorf("push resolved branch %s: %w", run.branch, err)
	}

	// The judge re-runs against the new tip.
	if tip, err := p.deps.Git.BranchTip(ctx, run.repoPath, run.branch); err == nil && tip != "" {
		run.commitSHA = tip
		run.result.CommitSHA = tip
	}
	return nil
}

// filesWithMarkers lists tracked files containing conflict markers.
func (p *Pipeline) filesWithMarkers(ctx context.Context, repoPath string) []string {
	res := p.deps.Git.Run(ctx, repoPath, "grep", "-l", markerOurs)
	if !res.OK || res.Output == "" {
		return nil
	}
	return strings.Split(strings.TrimSpace(res.Output), "\n")
}
