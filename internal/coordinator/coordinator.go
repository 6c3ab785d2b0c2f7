// Package coordinator orders epics and stories and drives each story
// through the pipeline. Epics are ordered by a dependency graph with a
// conservative cross-repository policy; stories run strictly sequentially
// so each one starts from the previous story's merged result.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/git"
	"github.com/forgeline/gaffer/internal/logging"
	"github.com/forgeline/gaffer/internal/notify"
	"github.com/forgeline/gaffer/internal/pipeline"
	"github.com/forgeline/gaffer/pkg/models"
)

// StoryRunner is the slice of the pipeline the coordinator drives.
type StoryRunner interface {
	RunStory(ctx context.Context, tc pipeline.TaskContext, epic models.Epic, story models.Story) *pipeline.StoryResult
}

// BranchPreparer is the slice of the git gateway the coordinator needs to
// set up epic branches.
type BranchPreparer interface {
	Checkout(ctx context.Context, repoPath, branch, createFrom string) error
	EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) error
}

var _ BranchPreparer = (git.Gateway)(nil)

// Deps is the coordinator's capability set.
type Deps struct {
	// Events is the append-only event log.
	Events *events.Log
	// Git prepares epic branches.
	Git BranchPreparer
	// Runner runs stories.
	Runner StoryRunner
	// Notifier mirrors progress to the UI channel. Nil means log-only.
	Notifier notify.Notifier
	// Debug is the detailed transcript logger. Nil-safe.
	Debug *logging.DebugLogger
	// MaxCostUSD caps spend per task. Zero disables the cap.
	MaxCostUSD float64
}

// Coordinator runs one task's epics to completion.
type Coordinator struct {
	deps Deps
}

// New creates a coordinator, filling defaults for optional dependencies.
func New(deps Deps) *Coordinator {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}
	if deps.Debug == nil {
		deps.Debug = logging.NopLogger()
	}
	return &Coordinator{deps: deps}
}

// Run executes every epic and story recorded for the task. It always emits
// a terminating DevelopersCompleted event, including on coordinator-level
// failure, so outer state machines never hang. The returned summary mirrors
// that event; the error is non-nil only for coordinator-level faults.
func (c *Coordinator) Run(ctx context.Context, task models.Task, workspaceDir string) (*events.DevelopersCompletedPayload, error) {
	summary := &events.DevelopersCompletedPayload{}

	state, err := c.deps.Events.GetCurrentState(ctx, task.ID)
	if err != nil {
		return c.finish(ctx, task.ID, summary, fmt.Errorf("load task state: %w", err))
	}
	if report, err := c.deps.Events.ValidateState(ctx, task.ID); err == nil && !report.Valid {
		return c.finish(ctx, task.ID, summary, fmt.Errorf("task state invalid: %s", strings.Join(report.Problems, "; ")))
	}
	if state.Done() {
		// The task already has its terminating event; re-running must not
		// append a second one.
		log.Printf("[coordinator] task %s already terminated, nothing to do", task.ID)
		if state.Summary != nil {
			return state.Summary, nil
		}
		return summary, nil
	}

	// The event log is authoritative for repositories and environment; the
	// caller's task record may be a bare resume stub.
	if len(task.Repositories) == 0 {
		task.Repositories = state.Repositories
	}
	if task.Environment.Commands == nil {
		task.Environment = state.Environment
	}

	epics := state.Epics()
	if len(epics) == 0 {
		return c.finish(ctx, task.ID, summary, fmt.Errorf("task %s has no epics", task.ID))
	}
	summary.EpicsCount = len(epics)

	order, err := c.planOrder(ctx, task.ID, epics)
	if err != nil {
		return c.finish(ctx, task.ID, summary, err)
	}

	budget := NewBudgetHandler(c.deps.MaxCostUSD)
	tc := pipeline.TaskContext{Task: task, WorkspaceDir: workspaceDir}

	for _, epicID := range order {
		epic := findEpic(epics, epicID)
		if epic == nil {
			continue
		}
		if err := c.prepareEpicBranch(ctx, tc, task, *epic); err != nil {
			return c.finish(ctx, task.ID, summary, err)
		}

		for _, story := range state.StoriesForEpic(epic.ID) {
			if story.Status.Terminal() {
				c.deps.Debug.Log("story %s already %s, skipping", story.ID, story.Status)
				if story.Status == models.StoryStatusCompleted {
					summary.Successful++
					summary.StoriesImplemented++
				}
				continue
			}
			if err := ctx.Err(); err != nil {
				return c.finish(ctx, task.ID, summary, fmt.Errorf("cancelled: %w", err))
			}
			if !budget.CanStartNew() {
				if budget.MarkExhausted() {
					used, limit, _ := budget.Usage()
					log.Printf("[coordinator] budget exhausted ($%.2f of $%.2f); not starting further stories", used, limit)
					c.deps.Notifier.EmitConsoleLog(task.ID, "warn", fmt.Sprintf("budget exhausted at $%.2f, remaining stories skipped", used))
				}
				break
			}

			log.Printf("[coordinator] running story %s (%s) on epic %s", story.ID, story.Title, epic.ID)
			result := c.deps.Runner.RunStory(ctx, tc, *epic, *story)
			c.account(task.ID, budget, summary, result)
		}
	}

	return c.finish(ctx, task.ID, summary, nil)
}

// planOrder builds the dependency graph, applies the conservative policy,
// sorts, and persists the chosen order as an event.
func (c *Coordinator) planOrder(ctx context.Context, taskID string, epics []*models.Epic) ([]string, error) {
	graph := NewDependencyGraph()
	if err := graph.Build(epics); err != nil {
		return nil, fmt.Errorf("epic dependency graph: %w", err)
	}
	order, err := graph.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("epic ordering: %w", err)
	}

	log.Printf("[coordinator] epic order: %s (%d synthetic cross-repo edges)",
		strings.Join(order, " -> "), graph.SyntheticEdges())
	c.emit(ctx, taskID, events.TypeEpicOrderPlanned, events.EpicOrderPlannedPayload{
		EpicIDs:        order,
		CrossRepoEdges: graph.SyntheticEdges(),
	})
	return order, nil
}

// prepareEpicBranch creates the epic branch from the repository default
// branch and pushes it before the first story runs on it.
func (c *Coordinator) prepareEpicBranch(ctx context.Context, tc pipeline.TaskContext, task models.Task, epic models.Epic) error {
	repoPath := tc.RepoPath(epic.Repository)
	defaultBranch := "main"
	for _, repo := range task.Repositories {
		if repo.Name == epic.Repository && repo.DefaultBranch != "" {
			defaultBranch = repo.DefaultBranch
		}
	}

	if err := c.deps.Git.Checkout(ctx, repoPath, epic.BranchName, defaultBranch); err != nil {
		return fmt.Errorf("prepare epic branch %s: %w", epic.BranchName, err)
	}
	if err := c.deps.Git.EnsureBranchOnRemote(ctx, repoPath, epic.BranchName); err != nil {
		return fmt.Errorf("push epic branch %s: %w", epic.BranchName, err)
	}
	log.Printf("[coordinator] epic branch %s ready (from %s)", epic.BranchName, defaultBranch)
	return nil
}

// account folds one story result into the running summary and the budget.
func (c *Coordinator) account(taskID string, budget *BudgetHandler, summary *events.DevelopersCompletedPayload, result *pipeline.StoryResult) {
	summary.TotalCostUSD += result.TotalCost()

	switch result.Status {
	case models.StoryStatusCompleted:
		summary.Successful++
		summary.StoriesImplemented++
	case models.StoryStatusMergeConflict:
		summary.Conflicts++
	default:
		summary.FailedCount++
	}

	if budget.Add(result.TotalCost()) != BudgetOK && budget.WarnOnce() {
		used, limit, fraction := budget.Usage()
		log.Printf("[coordinator] budget warning: $%.2f of $%.2f spent (%.0f%%)", used, limit, fraction*100)
		c.deps.Notifier.EmitConsoleLog(taskID, "warn", fmt.Sprintf("budget at %.0f%% ($%.2f of $%.2f)", fraction*100, used, limit))
	}
}

// finish emits the terminating event and returns the summary. A non-nil
// cause marks the summary failed and is returned to the caller.
func (c *Coordinator) finish(ctx context.Context, taskID string, summary *events.DevelopersCompletedPayload, cause error) (*events.DevelopersCompletedPayload, error) {
	if cause != nil {
		summary.Failed = true
		summary.Error = cause.Error()
		log.Printf("[coordinator] task %s failed: %v", taskID, cause)
	} else {
		log.Printf("[coordinator] task %s done: %d completed, %d failed, %d conflicts ($%.2f)",
			taskID, summary.Successful, summary.FailedCount, summary.Conflicts, summary.TotalCostUSD)
	}
	// The terminating event must land even when the run context is already
	// cancelled; outer state machines depend on it.
	c.emit(context.WithoutCancel(ctx), taskID, events.TypeDevelopersCompleted, *summary)
	return summary, cause
}

// emit appends an event and mirrors it to the notifier; failures are logged
// and never abort the coordinator.
func (c *Coordinator) emit(ctx context.Context, taskID string, typ events.Type, payload any) {
	evt, err := events.New(taskID, typ, "coordinator", payload)
	if err != nil {
		log.Printf("[coordinator] cannot build %s event: %v", typ, err)
		return
	}
	if _, err := c.deps.Events.SafeAppend(ctx, &evt); err != nil {
		log.Printf("[coordinator] cannot append %s event: %v", typ, err)
	}
	c.deps.Notifier.Emit(taskID, string(typ), payload)
}

func findEpic(epics []*models.Epic, id string) *models.Epic {
	for _, e := range epics {
		if e.ID == id {
			return e
		}
	}
	return nil
}
