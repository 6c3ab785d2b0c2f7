package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/pkg/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "gaffer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestSaveAndLoad(t *testing.T) {
	s := setupTestStore(t)

	cp := &Checkpoint{
		TaskID:        "task-1",
		EpicID:        "epic-1",
		StoryID:       "story-1",
		Stage:         models.StoryStatusCodeWritten,
		CommitHash:    "abc123",
		SDKSessionID:  "sess-42",
		FilesModified: []string{"main.go"},
		FilesCreated:  []string{"auth.go", "auth_test.go"},
		CostUSD:       0.17,
		Branch:        "story/story-1",
	}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load("task-1", "epic-1", "story-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("load returned nil for a saved checkpoint")
	}
	if got.Stage != models.StoryStatusCodeWritten {
		t.Errorf("stage = %s, want code_written", got.Stage)
	}
	if got.CommitHash != "abc123" || got.SDKSessionID != "sess-42" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.FilesCreated) != 2 || got.FilesCreated[0] != "auth.go" {
		t.Errorf("files created = %v", got.FilesCreated)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated at not recorded")
	}
}

func TestLoad_MissingReturnsNil(t *testing.T) {
	s := setupTestStore(t)
	got, err := s.Load("task-x", "epic-x", "story-x")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		name string
		from models.StoryStatus
		to   models.StoryStatus
		want bool
	}{
		{"forward one stage", models.StoryStatusCodeGenerating, models.StoryStatusCodeWritten, true},
		{"forward many stages", models.StoryStatusNotStarted, models.StoryStatusMergedToEpic, true},
		{"same stage refreshes", models.StoryStatusPushed, models.StoryStatusPushed, true},
		{"backward rejected", models.StoryStatusPushed, models.StoryStatusCodeGenerating, false},
		{"terminal over anything", models.StoryStatusJudgeEvaluating, models.StoryStatusFailed, true},
		{"terminal stays terminal", models.StoryStatusCompleted, models.StoryStatusFailed, false},
		{"terminal idempotent", models.StoryStatusCompleted, models.StoryStatusCompleted, true},
		{"conflict from any active stage", models.StoryStatusMergedToEpic, models.StoryStatusMergeConflict, true},
		{"conflict resumes forward", models.StoryStatusMergeConflict, models.StoryStatusJudgeEvaluating, true},
		{"conflict cannot restart", models.StoryStatusMergeConflict, models.StoryStatusNotStarted, false},
		{"conflict can terminate", models.StoryStatusMergeConflict, models.StoryStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canAdvance(tt.from, tt.to); got != tt.want {
				t.Errorf("canAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSave_RejectsRegression(t *testing.T) {
	s := setupTestStore(t)

	cp := &Checkpoint{TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1", Stage: models.StoryStatusPushed}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save pushed: %v", err)
	}

	cp.Stage = models.StoryStatusCodeGenerating
	err := s.Save(cp)
	if !errors.Is(err, ErrStageRegression) {
		t.Fatalf("err = %v, want ErrStageRegression", err)
	}

	// The stored row is untouched.
	got, err := s.Load("task-1", "epic-1", "story-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Stage != models.StoryStatusPushed {
		t.Errorf("stage after rejected save = %s, want pushed", got.Stage)
	}
}

func TestSave_EqualStageRefreshesExtras(t *testing.T) {
	s := setupTestStore(t)

	cp := &Checkpoint{TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1", Stage: models.StoryStatusCodeGenerating, CostUSD: 0.10}
	if err := s.Save(cp); err != nil {
		t.Fatalf("first save: %v", err)
	}

	cp.CostUSD = 0.25
	cp.SDKSessionID = "sess-new"
	if err := s.Save(cp); err != nil {
		t.Fatalf("refresh save: %v", err)
	}

	got, err := s.Load("task-1", "epic-1", "story-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.CostUSD != 0.25 || got.SDKSessionID != "sess-new" {
		t.Errorf("refresh did not apply: %+v", got)
	}
}

func TestSave_InvalidStage(t *testing.T) {
	s := setupTestStore(t)
	cp := &Checkpoint{TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1", Stage: "warp_speed"}
	if err := s.Save(cp); err == nil {
		t.Fatal("expected error for invalid stage")
	}
}

func TestMarkCompleted(t *testing.T) {
	s := setupTestStore(t)

	// Works even without a prior checkpoint.
	if err := s.MarkCompleted("task-1", "epic-1", "story-1", "approved (score 92)", "https://example.com/pr/7"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := s.Load("task-1", "epic-1", "story-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Stage != models.StoryStatusCompleted {
		t.Errorf("stage = %s, want completed", got.Stage)
	}
	if got.Verdict != "approved (score 92)" {
		t.Errorf("verdict = %q", got.Verdict)
	}
	if got.PRURL != "https://example.com/pr/7" {
		t.Errorf("pr url = %q", got.PRURL)
	}

	// Idempotent on repeat; empty arguments keep the recorded values.
	if err := s.MarkCompleted("task-1", "epic-1", "story-1", "", ""); err != nil {
		t.Fatalf("second mark completed: %v", err)
	}
	got, err = s.Load("task-1", "epic-1", "story-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Verdict != "approved (score 92)" || got.PRURL != "https://example.com/pr/7" {
		t.Errorf("recorded values were clobbered: %+v", got)
	}
}

func TestListForTask(t *testing.T) {
	s := setupTestStore(t)

	for _, id := range []string{"story-1", "story-2", "story-3"} {
		cp := &Checkpoint{TaskID: "task-1", EpicID: "epic-1", StoryID: id, Stage: models.StoryStatusCodeGenerating}
		if err := s.Save(cp); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	other := &Checkpoint{TaskID: "task-2", EpicID: "epic-1", StoryID: "story-9", Stage: models.StoryStatusNotStarted}
	if err := s.Save(other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	got, err := s.ListForTask("task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("listed %d checkpoints, want 3", len(got))
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	sess := &Session{
		TaskID:    "task-1",
		AgentRole: "developer",
		StoryID:   "story-1",
		SessionID: "sdk-abc",
		Metadata:  `{"model":"sonnet"}`,
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := s.LoadSession("task-1", "developer", "story-1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if got == nil || got.SessionID != "sdk-abc" {
		t.Fatalf("round trip = %+v", got)
	}

	// Upsert replaces.
	sess.SessionID = "sdk-def"
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("update session: %v", err)
	}
	got, err = s.LoadSession("task-1", "developer", "story-1")
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if got.SessionID != "sdk-def" {
		t.Errorf("session id = %s, want sdk-def", got.SessionID)
	}

	if err := s.ClearSession("task-1", "developer", "story-1"); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	got, err = s.LoadSession("task-1", "developer", "story-1")
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if got != nil {
		t.Errorf("session survived clear: %+v", got)
	}
}

func TestPurgeTask(t *testing.T) {
	s := setupTestStore(t)

	cp := &Checkpoint{TaskID: "task-1", EpicID: "epic-1", StoryID: "story-1", Stage: models.StoryStatusPushed}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess := &Session{TaskID: "task-1", AgentRole: "developer", StoryID: "story-1", SessionID: "sdk-abc"}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	if err := s.PurgeTask("task-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	gotCp, _ := s.Load("task-1", "epic-1", "story-1")
	if gotCp != nil {
		t.Error("checkpoint survived purge")
	}
	gotSess, _ := s.LoadSession("task-1", "developer", "story-1")
	if gotSess != nil {
		t.Error("session survived purge")
	}
}
