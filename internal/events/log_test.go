package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/pkg/models"
)

func setupTestLog(t *testing.T, opts Options) *Log {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "gaffer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLog(db, opts)
}

func mustEvent(t *testing.T, taskID string, typ Type, agent string, payload any) Event {
	t.Helper()
	evt, err := New(taskID, typ, agent, payload)
	if err != nil {
		t.Fatalf("build event %s: %v", typ, err)
	}
	return evt
}

func TestAppend_AssignsSequentialSeq(t *testing.T) {
	log := setupTestLog(t, Options{})
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		evt := mustEvent(t, "task-1", TypeStoryCreated, "coordinator", StoryCreatedPayload{
			Story: models.Story{ID: "story-" + string(rune('a'+want)), EpicID: "epic-1"},
		})
		if err := log.Append(ctx, &evt); err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
		if evt.Seq != want {
			t.Errorf("seq = %d, want %d", evt.Seq, want)
		}
		if evt.ID == "" {
			t.Error("append did not assign an event id")
		}
	}

	// A second task gets its own sequence.
	other := mustEvent(t, "task-2", TypeTaskCreated, "coordinator", TaskCreatedPayload{Description: "demo"})
	if err := log.Append(ctx, &other); err != nil {
		t.Fatalf("append other task: %v", err)
	}
	if other.Seq != 1 {
		t.Errorf("other task seq = %d, want 1", other.Seq)
	}
}

func TestAppend_RequiresTaskID(t *testing.T) {
	log := setupTestLog(t, Options{})
	evt := Event{Type: TypeTaskCreated}
	if err := log.Append(context.Background(), &evt); err == nil {
		t.Fatal("expected error for event without task id")
	}
}

func TestSafeAppend_SuppressesDuplicates(t *testing.T) {
	log := setupTestLog(t, Options{})
	ctx := context.Background()

	payload := StoryCompletedPayload{StoryID: "story-1", EpicID: "epic-1", CommitSHA: "abc"}
	first := mustEvent(t, "task-1", TypeStoryCompleted, "pipeline", payload)
	appended, err := log.SafeAppend(ctx, &first)
	if err != nil {
		t.Fatalf("first SafeAppend: %v", err)
	}
	if !appended {
		t.Fatal("first SafeAppend should store the event")
	}

	dup := mustEvent(t, "task-1", TypeStoryCompleted, "pipeline", payload)
	appended, err = log.SafeAppend(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate SafeAppend: %v", err)
	}
	if appended {
		t.Error("duplicate within window should be suppressed")
	}

	// Same type scoped to a different story is not a duplicate.
	otherStory := mustEvent(t, "task-1", TypeStoryCompleted, "pipeline", StoryCompletedPayload{StoryID: "story-2", EpicID: "epic-1"})
	appended, err = log.SafeAppend(ctx, &otherStory)
	if err != nil {
		t.Fatalf("other story SafeAppend: %v", err)
	}
	if !appended {
		t.Error("different story scope should append")
	}

	evts, err := log.List(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evts) != 2 {
		t.Errorf("stored events = %d, want 2", len(evts))
	}
}

func TestSafeAppend_AllowsAfterWindow(t *testing.T) {
	log := setupTestLog(t, Options{DedupeWindow: 10 * time.Millisecond})
	ctx := context.Background()

	payload := StoryCompletedPayload{StoryID: "story-1", EpicID: "epic-1"}
	first := mustEvent(t, "task-1", TypeStoryCompleted, "pipeline", payload)
	if _, err := log.SafeAppend(ctx, &first); err != nil {
		t.Fatalf("first SafeAppend: %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	second := mustEvent(t, "task-1", TypeStoryCompleted, "pipeline", payload)
	appended, err := log.SafeAppend(ctx, &second)
	if err != nil {
		t.Fatalf("second SafeAppend: %v", err)
	}
	if !appended {
		t.Error("event outside the dedupe window should append")
	}
}

func TestList_OrdersBySeq(t *testing.T) {
	log := setupTestLog(t, Options{})
	ctx := context.Background()

	types := []Type{TypeTaskCreated, TypeEpicCreated, TypeStoryCreated}
	for _, typ := range types {
		evt := Event{TaskID: "task-1", Type: typ}
		if err := log.Append(ctx, &evt); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	evts, err := log.List(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evts) != len(types) {
		t.Fatalf("listed %d events, want %d", len(evts), len(types))
	}
	for i, evt := range evts {
		if evt.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, evt.Seq, i+1)
		}
		if evt.Type != types[i] {
			t.Errorf("event %d type = %s, want %s", i, evt.Type, types[i])
		}
	}
}

func TestValidateState(t *testing.T) {
	tests := []struct {
		name         string
		build        func(t *testing.T, log *Log)
		wantValid    bool
		wantProblems int
	}{
		{
			name: "well formed stream",
			build: func(t *testing.T, log *Log) {
				ctx := context.Background()
				evts := []Event{
					mustEvent(t, "task-1", TypeEpicCreated, "coordinator", EpicCreatedPayload{Epic: models.Epic{ID: "epic-1"}}),
					mustEvent(t, "task-1", TypeStoryCreated, "coordinator", StoryCreatedPayload{Story: models.Story{ID: "story-1", EpicID: "epic-1"}}),
					mustEvent(t, "task-1", TypeDevelopersCompleted, "coordinator", DevelopersCompletedPayload{Successful: 1}),
				}
				for i := range evts {
					if err := log.Append(ctx, &evts[i]); err != nil {
						t.Fatalf("append: %v", err)
					}
				}
			},
			wantValid: true,
		},
		{
			name: "story references unknown epic",
			build: func(t *testing.T, log *Log) {
				evt := mustEvent(t, "task-1", TypeStoryCreated, "coordinator", StoryCreatedPayload{Story: models.Story{ID: "story-1", EpicID: "ghost"}})
				if err := log.Append(context.Background(), &evt); err != nil {
					t.Fatalf("append: %v", err)
				}
			},
			wantValid:    false,
			wantProblems: 1,
		},
		{
			name: "duplicate story id",
			build: func(t *testing.T, log *Log) {
				ctx := context.Background()
				evts := []Event{
					mustEvent(t, "task-1", TypeEpicCreated, "coordinator", EpicCreatedPayload{Epic: models.Epic{ID: "epic-1"}}),
					mustEvent(t, "task-1", TypeStoryCreated, "coordinator", StoryCreatedPayload{Story: models.Story{ID: "story-1", EpicID: "epic-1"}}),
					mustEvent(t, "task-1", TypeStoryCreated, "coordinator", StoryCreatedPayload{Story: models.Story{ID: "story-1", EpicID: "epic-1"}}),
				}
				for i := range evts {
					if err := log.Append(ctx, &evts[i]); err != nil {
						t.Fatalf("append: %v", err)
					}
				}
			},
			wantValid:    false,
			wantProblems: 1,
		},
		{
			name: "double completion",
			build: func(t *testing.T, log *Log) {
				ctx := context.Background()
				for i := 0; i < 2; i++ {
					evt := Event{TaskID: "task-1", Type: TypeDevelopersCompleted}
					if err := log.Append(ctx, &evt); err != nil {
						t.Fatalf("append: %v", err)
					}
				}
			},
			wantValid:    false,
			wantProblems: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := setupTestLog(t, Options{})
			tt.build(t, log)

			report, err := log.ValidateState(context.Background(), "task-1")
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if report.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v (problems: %v)", report.Valid, tt.wantValid, report.Problems)
			}
			if !tt.wantValid && len(report.Problems) != tt.wantProblems {
				t.Errorf("problems = %d, want %d: %v", len(report.Problems), tt.wantProblems, report.Problems)
			}
		})
	}
}

type fakeVerifier struct {
	tip      string
	tipErr   error
	onRemote bool
	checkErr error
	checked  string
}

func (f *fakeVerifier) BranchTip(_ context.Context, _, _ string) (string, error) {
	return f.tip, f.tipErr
}

func (f *fakeVerifier) CommitOnRemote(_ context.Context, _, sha string) (bool, error) {
	f.checked = sha
	return f.onRemote, f.checkErr
}

func TestVerifyStoryPush(t *testing.T) {
	req := VerifyPushRequest{TaskID: "task-1", StoryID: "story-1", Branch: "story/story-1", RepoPath: "/tmp/repo"}

	tests := []struct {
		name     string
		verifier *fakeVerifier
	}{
		{name: "no verifier configured", verifier: nil},
		{name: "commit on remote", verifier: &fakeVerifier{tip: "abc123", onRemote: true}},
		{name: "commit missing from remote", verifier: &fakeVerifier{tip: "abc123", onRemote: false}},
		{name: "tip lookup fails", verifier: &fakeVerifier{tipErr: context.DeadlineExceeded}},
		{name: "remote check fails", verifier: &fakeVerifier{tip: "abc123", checkErr: context.DeadlineExceeded}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts Options
			if tt.verifier != nil {
				opts.Verifier = tt.verifier
			}
			log := setupTestLog(t, opts)

			// Verification is best effort and must never surface an error.
			if err := log.VerifyStoryPush(context.Background(), req); err != nil {
				t.Errorf("VerifyStoryPush returned %v, want nil", err)
			}
		})
	}
}

func TestPurgeFinishedTasks(t *testing.T) {
	log := setupTestLog(t, Options{})
	ctx := context.Background()

	finished := []Event{
		{TaskID: "task-done", Type: TypeTaskCreated},
		{TaskID: "task-done", Type: TypeDevelopersCompleted},
	}
	for i := range finished {
		if err := log.Append(ctx, &finished[i]); err != nil {
			t.Fatalf("append finished: %v", err)
		}
	}
	running := Event{TaskID: "task-running", Type: TypeTaskCreated}
	if err := log.Append(ctx, &running); err != nil {
		t.Fatalf("append running: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	removed, err := log.PurgeFinishedTasks(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	kept, err := log.List(ctx, "task-running")
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("running task events = %d, want 1", len(kept))
	}

	gone, err := log.List(ctx, "task-done")
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("finished task events = %d, want 0", len(gone))
	}
}
