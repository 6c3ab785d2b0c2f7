package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeline/gaffer/internal/agent"
	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/classify"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/git"
	"github.com/forgeline/gaffer/internal/sandbox"
	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/pkg/models"
)

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// fakeGit is a scriptable git.Gateway. Zero value behaves like a healthy
// repository whose story branch carries one pushed commit.
type fakeGit struct {
	mu    sync.Mutex
	calls []string

	verifyReport  *git.WorkReport
	detection     *git.WorkDetection
	mergeResult   *git.MergeResult
	mergeErr      error
	autoCommitSHA string
	branchTip     string
	remoteBranch  bool
	runFn         func(args ...string) git.Result
}

func (f *fakeGit) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeGit) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeGit) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}
func (f *fakeGit) Checkout(ctx context.Context, repoPath, branch, createFrom string) error {
	f.record("checkout")
	return nil
}
func (f *fakeGit) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	return true, nil
}
func (f *fakeGit) RemoteBranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	return f.remoteBranch, nil
}
func (f *fakeGit) BranchTip(ctx context.Context, repoPath, branch string) (string, error) {
	if f.branchTip != "" {
		return f.branchTip, nil
	}
	return testSHA, nil
}
func (f *fakeGit) DeleteBranch(ctx context.Context, repoPath, branch string, bothSides bool) error {
	f.record("delete_branch")
	return nil
}
func (f *fakeGit) Fetch(ctx context.Context, repoPath string) error { f.record("fetch"); return nil }
func (f *fakeGit) Push(ctx context.Context, repoPath, branch string, opts git.PushOptions) error {
	f.record("push")
	return nil
}
func (f *fakeGit) PullFFOnly(ctx context.Context, repoPath string) error { return nil }
func (f *fakeGit) EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) error {
	return nil
}
func (f *fakeGit) EnsureCommitOnRemote(ctx context.Context, repoPath, sha, branch string) error {
	f.record("ensure_commit_on_remote")
	return nil
}
func (f *fakeGit) CommitOnRemote(ctx context.Context, repoPath, sha string) (bool, error) {
	return true, nil
}
func (f *fakeGit) Status(ctx context.Context, repoPath string) (string, error) { return "", nil }
func (f *fakeGit) Commit(ctx context.Context, repoPath, message string) error {
	f.record("commit")
	return nil
}
func (f *fakeGit) DetectWorkInWorkspace(ctx context.Context, repoPath string) (*git.WorkDetection, error) {
	if f.detection != nil {
		return f.detection, nil
	}
	return &git.WorkDetection{}, nil
}
func (f *fakeGit) VerifyDeveloperWork(ctx context.Context, repoPath, branch, baseRef string) (*git.WorkReport, error) {
	if f.verifyReport != nil {
		return f.verifyReport, nil
	}
	return &git.WorkReport{HasCommits: true, CommitCount: 1, CommitSHA: testSHA}, nil
}
func (f *fakeGit) AutoCommitUncommittedWork(ctx context.Context, repoPath, storyTitle, branch string) (string, error) {
	f.record("auto_commit")
	return f.autoCommitSHA, nil
}
func (f *fakeGit) Merge(ctx context.Context, repoPath, sourceBranch, targetBranch string, opts git.MergeOptions) (*git.MergeResult, error) {
	f.record("merge")
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	if f.mergeResult != nil {
		return f.mergeResult, nil
	}
	return &git.MergeResult{OK: true}, nil
}
func (f *fakeGit) AbortMerge(ctx context.Context, repoPath string) error {
	f.record("abort_merge")
	return nil
}
func (f *fakeGit) ConflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	return nil, nil
}
func (f *fakeGit) CreateRollbackPoint(ctx context.Context, repoPath, label string) (string, error) {
	return testSHA, nil
}
func (f *fakeGit) ResetToRollbackPoint(ctx context.Context, repoPath, label string) error {
	return nil
}
func (f *fakeGit) DeleteRollbackPoint(ctx context.Context, repoPath, label string) error {
	return nil
}
func (f *fakeGit) Run(ctx context.Context, repoPath string, args ...string) git.Result {
	if f.runFn != nil {
		return f.runFn(args...)
	}
	return git.Result{OK: true}
}

var _ git.Gateway = (*fakeGit)(nil)

// fakeRunner replays scripted agent outputs per role.
type fakeRunner struct {
	mu sync.Mutex

	devOutputs []*models.DeveloperOutput
	devErrs    []error
	devCalls   int

	judgeOutputs   []string
	resolverOutput string
	roleCalls      []agent.Role
}

func (f *fakeRunner) ExecuteDeveloper(ctx context.Context, req agent.DeveloperRequest) (*models.DeveloperOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.devCalls
	f.devCalls++
	var err error
	if i < len(f.devErrs) {
		err = f.devErrs[i]
	}
	var out *models.DeveloperOutput
	if i < len(f.devOutputs) {
		out = f.devOutputs[i]
	} else if err == nil {
		out = &models.DeveloperOutput{Success: true, CommitSHA: testSHA, BranchName: req.Branch, CostUSD: 0.5}
	}
	return out, err
}

func (f *fakeRunner) ExecuteAgent(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleCalls = append(f.roleCalls, req.Role)
	switch req.Role {
	case agent.RoleJudge:
		out := `{"approved": true, "score": 90}`
		if len(f.judgeOutputs) > 0 {
			out = f.judgeOutputs[0]
			f.judgeOutputs = f.judgeOutputs[1:]
		}
		return &agent.Result{Output: out, CostUSD: 0.2}, nil
	case agent.RoleConflictResolver:
		out := f.resolverOutput
		if out == "" {
			out = "CONFLICT_RESOLVED"
		}
		return &agent.Result{Output: out, CostUSD: 0.1}, nil
	default:
		return &agent.Result{Output: ""}, nil
	}
}

func (f *fakeRunner) judgeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.roleCalls {
		if r == agent.RoleJudge {
			n++
		}
	}
	return n
}

var _ agent.Runner = (*fakeRunner)(nil)

// fakeSandbox runs every command successfully.
type fakeSandbox struct{}

func (fakeSandbox) Exec(ctx context.Context, taskID, command string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{ExitCode: 0}, nil
}
func (fakeSandbox) GetSandbox(taskID string) *sandbox.Sandbox { return nil }
func (fakeSandbox) Create(ctx context.Context, taskID, workDir string) (*sandbox.Sandbox, error) {
	return &sandbox.Sandbox{TaskID: taskID, Backend: "host", WorkDir: workDir}, nil
}
func (fakeSandbox) Destroy(ctx context.Context, taskID string) error { return nil }

var _ sandbox.Gateway = fakeSandbox{}

type testEnv struct {
	pipeline    *Pipeline
	git         *fakeGit
	runner      *fakeRunner
	events      *events.Log
	checkpoints *checkpoint.Store
	tc          TaskContext
	epic        models.Epic
	story       models.Story
}

func setupPipeline(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "gaffer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &testEnv{
		git:         &fakeGit{},
		runner:      &fakeRunner{},
		events:      events.NewLog(db, events.Options{}),
		checkpoints: checkpoint.NewStore(db),
	}
	env.pipeline = New(Deps{
		Events:          env.events,
		Checkpoints:     env.checkpoints,
		Git:             env.git,
		Sandbox:         fakeSandbox{},
		Runner:          env.runner,
		PropagationWait: time.Millisecond,
	})

	env.tc = TaskContext{
		Task:         models.Task{ID: "task-1"},
		WorkspaceDir: t.TempDir(),
	}
	env.epic = models.Epic{
		ID:         "epic-1",
		Name:       "Auth",
		Repository: "app",
		BranchName: "epic/task-1",
	}
	env.story = models.Story{
		ID:         "story-1",
		EpicID:     "epic-1",
		Title:      "Add login form",
		BranchName: "story/task-1/story-1",
	}
	if err := os.MkdirAll(env.tc.RepoPath("app"), 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}
	return env
}

func TestRunStoryHappyPath(t *testing.T) {
	env := setupPipeline(t)

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", result.Status, result.Error)
	}
	if result.CommitSHA != testSHA {
		t.Errorf("commit = %s, want %s", result.CommitSHA, testSHA)
	}
	if !result.Succeeded() {
		t.Error("Succeeded() = false")
	}
	if result.DeveloperCost == 0 || result.JudgeCost == 0 {
		t.Errorf("costs not charged: dev=%f judge=%f", result.DeveloperCost, result.JudgeCost)
	}
	if env.git.count("merge") != 1 {
		t.Errorf("merge called %d times, want 1", env.git.count("merge"))
	}
	if env.git.count("delete_branch") != 1 {
		t.Error("story branch was not cleaned up")
	}

	cp, err := env.checkpoints.Load("task-1", "epic-1", "story-1")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing after completion: %v", err)
	}
	if cp.Stage != models.StoryStatusCompleted {
		t.Errorf("checkpoint stage = %s, want completed", cp.Stage)
	}
	if cp.Verdict != "approved (score 90)" {
		t.Errorf("checkpoint verdict = %q, want the judge's decision", cp.Verdict)
	}
}

func TestRunStoryResumeCompletedIsZeroCost(t *testing.T) {
	env := setupPipeline(t)
	if err := env.checkpoints.Save(&checkpoint.Checkpoint{
		TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1",
		Stage: models.StoryStatusMergedToEpic, CommitHash: testSHA,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if env.runner.devCalls != 0 || len(env.runner.roleCalls) != 0 {
		t.Errorf("agents ran on a finished story: dev=%d agents=%d", env.runner.devCalls, len(env.runner.roleCalls))
	}
	if result.TotalCost() != 0 {
		t.Errorf("cost = %f, want 0", result.TotalCost())
	}
}

func TestRunStoryResumesAtJudgeAfterPush(t *testing.T) {
	env := setupPipeline(t)
	if err := env.checkpoints.Save(&checkpoint.Checkpoint{
		TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1",
		Stage: models.StoryStatusPushed, CommitHash: testSHA,
		Branch: "story/task-1/story-1",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", result.Status, result.Error)
	}
	if env.runner.devCalls != 0 {
		t.Errorf("developer ran %d times on a pushed story, want 0", env.runner.devCalls)
	}
	if env.runner.judgeCalls() != 1 {
		t.Errorf("judge ran %d times, want 1", env.runner.judgeCalls())
	}
	if result.DeveloperCost != 0 {
		t.Errorf("developer cost = %f on a resumed story, want 0", result.DeveloperCost)
	}
}

func TestRunStoryResumesAtMergeAfterPreservedConflict(t *testing.T) {
	env := setupPipeline(t)
	if err := env.checkpoints.Save(&checkpoint.Checkpoint{
		TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1",
		Stage: models.StoryStatusMergeConflict, CommitHash: testSHA,
		Branch: "story/task-1/story-1",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", result.Status, result.Error)
	}
	if env.runner.devCalls != 0 {
		t.Errorf("developer ran %d times on a preserved conflict, want 0", env.runner.devCalls)
	}
	if env.runner.judgeCalls() != 0 {
		t.Errorf("judge ran %d times on an already-approved commit, want 0", env.runner.judgeCalls())
	}
	if env.git.count("merge") != 1 {
		t.Errorf("merge called %d times, want 1", env.git.count("merge"))
	}
}

func TestRunStoryElevatesStaleConflictToFailed(t *testing.T) {
	env := setupPipeline(t)
	env.pipeline = New(Deps{
		Events:            env.events,
		Checkpoints:       env.checkpoints,
		Git:               env.git,
		Sandbox:           fakeSandbox{},
		Runner:            env.runner,
		PropagationWait:   time.Millisecond,
		ConflictFailAfter: time.Millisecond,
	})
	if err := env.checkpoints.Save(&checkpoint.Checkpoint{
		TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1",
		Stage: models.StoryStatusMergeConflict, CommitHash: testSHA,
		Branch: "story/task-1/story-1",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.Analysis == nil || result.Analysis.Category != models.FailureMergeConflict {
		t.Errorf("analysis = %+v, want merge_conflict category", result.Analysis)
	}
	if env.git.count("merge") != 0 {
		t.Error("merge must not run on an expired conflict")
	}
	if env.runner.devCalls != 0 || len(env.runner.roleCalls) != 0 {
		t.Error("agents ran on an expired conflict")
	}

	cp, err := env.checkpoints.Load("task-1", "epic-1", "story-1")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if cp.Stage != models.StoryStatusFailed {
		t.Errorf("checkpoint stage = %s, want failed", cp.Stage)
	}
}

func TestRunStoryJudgeRejection(t *testing.T) {
	env := setupPipeline(t)
	env.runner.judgeOutputs = []string{
		`{"approved": false, "reject_reason": "placeholder_code", "feedback": "TODO stubs left in handlers"}`,
	}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusRejected {
		t.Fatalf("status = %s, want rejected", result.Status)
	}
	if result.Feedback != "TODO stubs left in handlers" {
		t.Errorf("feedback = %q", result.Feedback)
	}
	if result.Analysis == nil || result.Analysis.Category != models.FailureJudgeRejected {
		t.Errorf("analysis = %+v, want judge_rejected", result.Analysis)
	}
	if env.git.count("merge") != 0 {
		t.Error("rejected story must not merge")
	}

	cp, err := env.checkpoints.Load("task-1", "epic-1", "story-1")
	if err != nil || cp == nil {
		t.Fatalf("checkpoint missing after rejection: %v", err)
	}
	if cp.Verdict != "rejected: placeholder_code" {
		t.Errorf("checkpoint verdict = %q, want the judge's decision", cp.Verdict)
	}
}

func TestRunStorySpecialistConflictRoute(t *testing.T) {
	env := setupPipeline(t)
	env.runner.judgeOutputs = []string{
		`{"approved": false, "reject_reason": "conflicts", "feedback": "conflict markers in lib/app.dart"}`,
		`{"approved": true, "score": 85}`,
	}

	grepCalls := 0
	env.git.runFn = func(args ...string) git.Result {
		if len(args) > 0 && args[0] == "grep" {
			grepCalls++
			if grepCalls == 1 {
				return git.Result{OK: true, Output: "lib/app.dart"}
			}
			return git.Result{OK: false}
		}
		return git.Result{OK: true}
	}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", result.Status, result.Error)
	}
	if result.ResolvedBySpecialist != "ConflictResolver" {
		t.Errorf("ResolvedBySpecialist = %q", result.ResolvedBySpecialist)
	}
	if env.runner.judgeCalls() != 2 {
		t.Errorf("judge ran %d times, want 2 (before and after the specialist)", env.runner.judgeCalls())
	}
	if result.ConflictCost == 0 {
		t.Error("resolver cost was not charged")
	}
}

func TestRunStorySpecialistRunsOnlyOnce(t *testing.T) {
	env := setupPipeline(t)
	// The judge keeps rejecting for conflicts; the resolver must not loop.
	env.runner.judgeOutputs = []string{
		`{"approved": false, "reject_reason": "conflicts", "feedback": "markers"}`,
		`{"approved": false, "reject_reason": "conflicts", "feedback": "still markers"}`,
	}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusRejected {
		t.Fatalf("status = %s, want rejected", result.Status)
	}
	if env.runner.judgeCalls() != 2 {
		t.Errorf("judge ran %d times, want 2", env.runner.judgeCalls())
	}
}

func TestRunStorySalvagesUncommittedWork(t *testing.T) {
	env := setupPipeline(t)
	env.runner.devErrs = []error{errors.New("agent process crashed mid-story")}
	env.git.verifyReport = &git.WorkReport{}
	env.git.detection = &git.WorkDetection{
		HasUncommittedFiles: true,
		UncommittedFiles:    []string{"lib/app.dart"},
	}
	env.git.autoCommitSHA = testSHA

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed via salvage (error: %s)", result.Status, result.Error)
	}
	if !result.RecoveredFromFailure {
		t.Error("RecoveredFromFailure not set")
	}
	if !strings.Contains(result.OriginalError, "agent process crashed") {
		t.Errorf("OriginalError = %q", result.OriginalError)
	}
	if env.git.count("auto_commit") == 0 {
		t.Error("uncommitted work was not auto-committed")
	}
	if env.runner.judgeCalls() != 1 {
		t.Errorf("judge ran %d times, want 1", env.runner.judgeCalls())
	}
}

func TestRunStoryFailsWhenNothingSalvageable(t *testing.T) {
	env := setupPipeline(t)
	// Git-flavored errors retry immediately; with the ceiling at 1 the
	// second failure exhausts retries and salvage finds nothing.
	env.pipeline.deps.Limits = classify.Limits{Network: 1, API: 1, Timeout: 1, Git: 1, Unknown: 1}
	env.runner.devErrs = []error{
		errors.New("git fetch failed: cannot lock ref"),
		errors.New("git fetch failed: cannot lock ref"),
	}
	env.runner.devOutputs = []*models.DeveloperOutput{nil, nil}
	env.git.verifyReport = &git.WorkReport{}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusFailed {
		t.Fatalf("status = %s, want failed (error: %s)", result.Status, result.Error)
	}
	if env.runner.devCalls != 2 {
		t.Errorf("developer ran %d times, want 2 (one retry)", env.runner.devCalls)
	}
	if result.Analysis == nil {
		t.Fatal("terminal failure carries no analysis")
	}
	// The classifier suggested salvage, but nothing was shippable; the
	// recorded analysis must describe the decision actually taken.
	if !result.Analysis.IsTerminal || result.Analysis.Strategy != models.StrategyAccept {
		t.Errorf("analysis = strategy %s terminal %t, want accept/terminal",
			result.Analysis.Strategy, result.Analysis.IsTerminal)
	}
	if result.Analysis.ShouldRetry || result.Analysis.ShouldCallJudge {
		t.Errorf("analysis still recommends action: %+v", result.Analysis)
	}
}

func TestRunStoryPreservesUnresolvableConflict(t *testing.T) {
	env := setupPipeline(t)
	// A truncated conflict section defeats the union resolver, and the
	// scripted agent declares the conflict unresolvable.
	conflicted := "lib/app.dart"
	path := filepath.Join(env.tc.RepoPath("app"), conflicted)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("<<<<<<< HEAD\ntruncated section"), 0o644); err != nil {
		t.Fatal(err)
	}
	env.git.mergeResult = &git.MergeResult{OK: false, ConflictedFiles: []string{conflicted}}
	env.runner.resolverOutput = "CONFLICT_UNRESOLVABLE: both sides rewrote the widget tree"

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusMergeConflict {
		t.Fatalf("status = %s, want merge_conflict (error: %s)", result.Status, result.Error)
	}
	if env.git.count("abort_merge") != 1 {
		t.Error("in-progress merge was not aborted")
	}

	evts, err := env.events.List(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range evts {
		if e.Type == events.TypeStoryConflictPreserved {
			found = true
		}
	}
	if !found {
		t.Error("StoryConflictPreserved event was not appended")
	}
}

func TestRunStoryAutoResolvesAppendConflict(t *testing.T) {
	env := setupPipeline(t)
	conflicted := "CHANGELOG.md"
	path := filepath.Join(env.tc.RepoPath("app"), conflicted)
	content := strings.Join([]string{
		"# Changelog",
		"<<<<<<< HEAD",
		"- fix login",
		"=======",
		"- add reset",
		">>>>>>> story",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	env.git.mergeResult = &git.MergeResult{OK: false, ConflictedFiles: []string{conflicted}}

	result := env.pipeline.RunStory(context.Background(), env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", result.Status, result.Error)
	}
	if !result.MergeConflictAutoResolved {
		t.Error("MergeConflictAutoResolved not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if HasConflictMarkers(string(data)) {
		t.Errorf("markers remain on disk:\n%s", data)
	}
	for _, want := range []string{"- fix login", "- add reset"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("resolved file missing %q", want)
		}
	}
}

func TestRunStoryCancellationKeepsCheckpoint(t *testing.T) {
	env := setupPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := env.pipeline.RunStory(ctx, env.tc, env.epic, env.story)

	if result.Status != models.StoryStatusNotStarted {
		t.Errorf("status = %s, want not_started", result.Status)
	}
	if !strings.Contains(result.Error, "cancelled") {
		t.Errorf("error = %q, want cancellation", result.Error)
	}
	if env.runner.devCalls != 0 {
		t.Error("developer ran under a cancelled context")
	}
}
