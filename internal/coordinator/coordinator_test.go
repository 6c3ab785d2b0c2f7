package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/pipeline"
	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/pkg/models"
)

type fakeStoryRunner struct {
	mu      sync.Mutex
	ran     []string
	results map[string]*pipeline.StoryResult
}

func (f *fakeStoryRunner) RunStory(ctx context.Context, tc pipeline.TaskContext, epic models.Epic, story models.Story) *pipeline.StoryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, story.ID)
	if r, ok := f.results[story.ID]; ok {
		return r
	}
	return &pipeline.StoryResult{
		TaskID: tc.Task.ID, EpicID: epic.ID, StoryID: story.ID,
		Status: models.StoryStatusCompleted, DeveloperCost: 1.0,
	}
}

type fakeBranchPreparer struct {
	mu       sync.Mutex
	prepared []string
}

func (f *fakeBranchPreparer) Checkout(ctx context.Context, repoPath, branch, createFrom string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, branch+"<-"+createFrom)
	return nil
}

func (f *fakeBranchPreparer) EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) error {
	return nil
}

type coordEnv struct {
	coordinator *Coordinator
	events      *events.Log
	runner      *fakeStoryRunner
	git         *fakeBranchPreparer
	task        models.Task
}

func setupCoordinator(t *testing.T, maxCost float64) *coordEnv {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "gaffer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &coordEnv{
		events: events.NewLog(db, events.Options{}),
		runner: &fakeStoryRunner{results: map[string]*pipeline.StoryResult{}},
		git:    &fakeBranchPreparer{},
		task: models.Task{
			ID: "task-1",
			Repositories: []models.Repository{
				{Name: "app", DefaultBranch: "main"},
			},
		},
	}
	env.coordinator = New(Deps{
		Events:     env.events,
		Git:        env.git,
		Runner:     env.runner,
		MaxCostUSD: maxCost,
	})
	return env
}

func (e *coordEnv) seed(t *testing.T, typ events.Type, payload any) {
	t.Helper()
	evt, err := events.New(e.task.ID, typ, "test", payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := e.events.Append(context.Background(), &evt); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func (e *coordEnv) seedEpicWithStories(t *testing.T, epicID string, storyIDs ...string) {
	t.Helper()
	e.seed(t, events.TypeEpicCreated, events.EpicCreatedPayload{Epic: models.Epic{
		ID: epicID, Repository: "app", BranchName: "epic/" + epicID,
	}})
	for _, sid := range storyIDs {
		e.seed(t, events.TypeStoryCreated, events.StoryCreatedPayload{Story: models.Story{
			ID: sid, EpicID: epicID, Title: sid, BranchName: "story/" + sid,
		}})
	}
}

func TestRunExecutesStoriesSequentially(t *testing.T) {
	env := setupCoordinator(t, 0)
	env.seedEpicWithStories(t, "e1", "s1", "s2")

	summary, err := env.coordinator.Run(context.Background(), env.task, t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Failed {
		t.Fatalf("summary failed: %s", summary.Error)
	}
	if summary.Successful != 2 || summary.StoriesImplemented != 2 {
		t.Errorf("summary = %+v, want 2 successful", summary)
	}
	if len(env.runner.ran) != 2 || env.runner.ran[0] != "s1" || env.runner.ran[1] != "s2" {
		t.Errorf("ran = %v, want [s1 s2]", env.runner.ran)
	}
	if len(env.git.prepared) != 1 || env.git.prepared[0] != "epic/e1<-main" {
		t.Errorf("prepared = %v", env.git.prepared)
	}

	state, err := env.events.GetCurrentState(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Done() {
		t.Error("DevelopersCompleted was not appended")
	}
	if len(state.EpicOrder) != 1 || state.EpicOrder[0] != "e1" {
		t.Errorf("epic order = %v", state.EpicOrder)
	}
}

func TestRunWithoutEpicsStillTerminates(t *testing.T) {
	env := setupCoordinator(t, 0)

	summary, err := env.coordinator.Run(context.Background(), env.task, t.TempDir())
	if err == nil {
		t.Fatal("missing epics did not error")
	}
	if !summary.Failed || summary.Error == "" {
		t.Errorf("summary = %+v, want failed with error", summary)
	}

	state, serr := env.events.GetCurrentState(context.Background(), "task-1")
	if serr != nil {
		t.Fatalf("state: %v", serr)
	}
	if !state.Done() {
		t.Error("coordinator failure must still emit DevelopersCompleted")
	}
}

func TestRunOrdersEpicsByDependency(t *testing.T) {
	env := setupCoordinator(t, 0)
	env.seed(t, events.TypeEpicCreated, events.EpicCreatedPayload{Epic: models.Epic{
		ID: "e1", Repository: "app", BranchName: "epic/e1", DependsOn: []string{"e2"},
	}})
	env.seed(t, events.TypeEpicCreated, events.EpicCreatedPayload{Epic: models.Epic{
		ID: "e2", Repository: "app", BranchName: "epic/e2",
	}})
	env.seed(t, events.TypeStoryCreated, events.StoryCreatedPayload{Story: models.Story{
		ID: "s1", EpicID: "e1", BranchName: "story/s1",
	}})
	env.seed(t, events.TypeStoryCreated, events.StoryCreatedPayload{Story: models.Story{
		ID: "s2", EpicID: "e2", BranchName: "story/s2",
	}})

	if _, err := env.coordinator.Run(context.Background(), env.task, t.TempDir()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.runner.ran) != 2 || env.runner.ran[0] != "s2" {
		t.Errorf("ran = %v, want e2's story first", env.runner.ran)
	}
}

func TestRunStopsStartingStoriesWhenBudgetExhausted(t *testing.T) {
	env := setupCoordinator(t, 1.5)
	env.seedEpicWithStories(t, "e1", "s1", "s2", "s3")
	// Each story costs $1; the second crosses the $1.50 cap.

	summary, err := env.coordinator.Run(context.Background(), env.task, t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(env.runner.ran) != 2 {
		t.Errorf("ran %d stories, want 2 (cap reached after the second)", len(env.runner.ran))
	}
	if summary.Successful != 2 {
		t.Errorf("successful = %d, want 2", summary.Successful)
	}

	state, serr := env.events.GetCurrentState(context.Background(), "task-1")
	if serr != nil {
		t.Fatalf("state: %v", serr)
	}
	if !state.Done() {
		t.Error("budget exhaustion must still emit DevelopersCompleted")
	}
}

func TestRunSkipsAlreadyCompletedStories(t *testing.T) {
	env := setupCoordinator(t, 0)
	env.seedEpicWithStories(t, "e1", "s1", "s2")
	env.seed(t, events.TypeStoryCompleted, events.StoryCompletedPayload{
		StoryID: "s1", EpicID: "e1", CommitSHA: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})

	summary, err := env.coordinator.Run(context.Background(), env.task, t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.runner.ran) != 1 || env.runner.ran[0] != "s2" {
		t.Errorf("ran = %v, want only s2", env.runner.ran)
	}
	if summary.StoriesImplemented != 2 {
		t.Errorf("implemented = %d, want 2 (one prior, one fresh)", summary.StoriesImplemented)
	}
}

func TestRunCountsConflictsAndFailures(t *testing.T) {
	env := setupCoordinator(t, 0)
	env.seedEpicWithStories(t, "e1", "s1", "s2", "s3")
	env.runner.results["s1"] = &pipeline.StoryResult{StoryID: "s1", Status: models.StoryStatusMergeConflict}
	env.runner.results["s2"] = &pipeline.StoryResult{StoryID: "s2", Status: models.StoryStatusFailed, Error: "boom"}

	summary, err := env.coordinator.Run(context.Background(), env.task, t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Conflicts != 1 || summary.FailedCount != 1 || summary.Successful != 1 {
		t.Errorf("summary = %+v, want 1/1/1", summary)
	}
}

func TestBudgetHandlerThresholds(t *testing.T) {
	h := NewBudgetHandler(10)

	if h.Add(5) != BudgetOK {
		t.Error("50%% spend should be OK")
	}
	if h.Add(3.5) != BudgetWarning {
		t.Error("85%% spend should warn")
	}
	if !h.WarnOnce() {
		t.Error("first warning suppressed")
	}
	if h.WarnOnce() {
		t.Error("warning repeated")
	}
	if h.Add(2) != BudgetExhausted {
		t.Error("105%% spend should exhaust")
	}
	if h.CanStartNew() {
		t.Error("exhausted budget allows new stories")
	}

	uncapped := NewBudgetHandler(0)
	if uncapped.Add(1_000_000) != BudgetOK {
		t.Error("uncapped budget should never exhaust")
	}
}
