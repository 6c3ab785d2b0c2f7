package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/workspace"
	"github.com/forgeline/gaffer/pkg/models"
)

// runDeveloper is stage A: put the story branch in place, invoke the
// developer agent, and persist its session for resume. The output it
// stores on the run is a claim; stage B decides what actually happened.
func (p *Pipeline) runDeveloper(ctx context.Context, run *storyRun) error {
	task := run.tc.Task
	p.saveCheckpoint(run, models.StoryStatusCodeGenerating)

	// Story branches are created from the epic branch head at story start,
	// so story N sees stories 1..N-1. Prefer an existing local branch, then
	// the remote, then create fresh.
	if err := p.deps.Git.Checkout(ctx, run.repoPath, run.branch, run.epic.BranchName); err != nil {
		return fmt.Errorf("prepare story branch %s: %w", run.branch, err)
	}

	// A rollback point lets a human revert a destructive agent run. Best
	// effort: a repo with no commits yet cannot be tagged.
	if _, err := p.deps.Git.CreateRollbackPoint(ctx, run.repoPath, run.story.ID); err != nil {
		p.deps.Debug.Log("no rollback point for %s: %v", run.story.ID, err)
	}

	// Resume a prior session when one is checkpointed.
	resumeSessionID := ""
	if sess, err := p.deps.Checkpoints.LoadSession(task.ID, string(agent.RoleDeveloper), run.story.ID); err == nil && sess != nil {
		resumeSessionID = sess.SessionID
		log.Printf("[pipeline] resuming developer session %s for story %s", sess.SessionID, run.story.ID)
	}

	p.emit(ctx, task.ID, events.TypeDeveloperStarted, string(agent.RoleDeveloper), events.DeveloperStartedPayload{
		StoryID: run.story.ID,
		EpicID:  run.epic.ID,
		Branch:  run.branch,
		Resumed: resumeSessionID != "",
	})

	var watcher *workspace.Watcher
	if p.deps.WatchWorkspace {
		w, err := workspace.NewWatcher(run.repoPath)
		if err != nil {
			p.deps.Debug.Log("workspace watch unavailable for %s: %v", run.story.ID, err)
		} else {
			watcher = w
		}
	}

	repo := repositoryByName(task.Repositories, run.epic.Repository)
	out, err := p.deps.Runner.ExecuteDeveloper(ctx, agent.DeveloperRequest{
		TaskID:          task.ID,
		Story:           run.story,
		Epic:            run.epic,
		Repository:      repo,
		WorkspaceDir:    run.repoPath,
		Branch:          run.branch,
		EpicBranch:      run.epic.BranchName,
		Commands:        task.Environment.CommandsFor(run.epic.Repository),
		Feedback:        run.feedback,
		ResumeSessionID: resumeSessionID,
		Timeout:         p.deps.DeveloperTimeout,
	})

	if watcher != nil {
		created, modified := watcher.Snapshot()
		watcher.Close()
		if out != nil {
			if len(out.FilesCreated) == 0 {
				out.FilesCreated = created
			}
			if len(out.FilesModified) == 0 {
				out.FilesModified = modified
			}
		}
	}

	// Charge whatever the invocation cost, error or not.
	if out != nil {
		run.result.DeveloperCost += out.CostUSD
		run.result.DeveloperTokens = run.result.DeveloperTokens.Add(out.Tokens)
		run.dev = out
	}
	if err != nil {
		return fmt.Errorf("developer agent for story %s: %w", run.story.ID, err)
	}
	if out == nil {
		return fmt.Errorf("developer agent for story %s returned nothing", run.story.ID)
	}

	if out.SDKSessionID != "" {
		sess := &checkpoint.Session{
			TaskID:          task.ID,
			AgentRole:       string(agent.RoleDeveloper),
			StoryID:         run.story.ID,
			SessionID:       out.SDKSessionID,
			LastMessageUUID: out.LastMessageUUID,
		}
		if err := p.deps.Checkpoints.SaveSession(sess); err != nil {
			log.Printf("[pipeline] cannot save developer session for %s: %v", run.story.ID, err)
		}
	}

	p.saveCheckpoint(run, models.StoryStatusCodeWritten)
	log.Printf("[pipeline] developer finished story %s: success=%t claimed=%s", run.story.ID, out.Success, shortSHA(out.CommitSHA))
	return nil
}

func repositoryByName(repos []models.Repository, name string) models.Repository {
	for _, r := range repos {
		if r.Name == name {
			return r
		}
	}
	return models.Repository{Name: name}
}
