package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/pkg/models"
)

func setupJanitor(t *testing.T, retention time.Duration) (*Janitor, *events.Log, *checkpoint.Store) {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "gaffer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	eventLog := events.NewLog(db, events.Options{})
	checkpoints := checkpoint.NewStore(db)
	j, err := New(eventLog, checkpoints, nil, Config{Retention: retention})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	t.Cleanup(func() { _ = j.Shutdown() })
	return j, eventLog, checkpoints
}

func appendEvent(t *testing.T, log *events.Log, taskID string, typ events.Type, payload any) {
	t.Helper()
	evt, err := events.New(taskID, typ, "test", payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := log.Append(context.Background(), &evt); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRunOncePurgesFinishedTasks(t *testing.T) {
	// Retention of -1s makes anything finished "old enough" immediately.
	j, eventLog, checkpoints := setupJanitor(t, -time.Second)

	appendEvent(t, eventLog, "done-task", events.TypeTaskCreated, events.TaskCreatedPayload{Description: "old"})
	appendEvent(t, eventLog, "done-task", events.TypeDevelopersCompleted, events.DevelopersCompletedPayload{Successful: 1})
	appendEvent(t, eventLog, "live-task", events.TypeTaskCreated, events.TaskCreatedPayload{Description: "running"})

	if err := checkpoints.Save(&checkpoint.Checkpoint{
		TaskID: "done-task", EpicID: "e1", StoryID: "s1",
		Stage: models.StoryStatusCompleted,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	j.RunOnce()

	gone, err := eventLog.List(context.Background(), "done-task")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("finished task still has %d events", len(gone))
	}

	kept, err := eventLog.List(context.Background(), "live-task")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("unfinished task lost events: %d left", len(kept))
	}

	cp, err := checkpoints.Load("done-task", "e1", "s1")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp != nil {
		t.Error("finished task's checkpoint survived the purge")
	}
}

func TestRunOnceKeepsRecentlyFinishedTasks(t *testing.T) {
	j, eventLog, _ := setupJanitor(t, 24*time.Hour)

	appendEvent(t, eventLog, "task-1", events.TypeTaskCreated, events.TaskCreatedPayload{Description: "fresh"})
	appendEvent(t, eventLog, "task-1", events.TypeDevelopersCompleted, events.DevelopersCompletedPayload{Successful: 1})

	j.RunOnce()

	kept, err := eventLog.List(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kept) != 2 {
		t.Errorf("recently finished task was purged: %d events left", len(kept))
	}
}
