package events

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/forgeline/gaffer/internal/store"
)

// DefaultDedupeWindow is how far back SafeAppend looks for duplicates.
const DefaultDedupeWindow = 10 * time.Second

// PushVerifier is the slice of the git gateway the log needs to confirm a
// story's commit reached the remote.
type PushVerifier interface {
	// BranchTip returns the latest commit sha on a local branch.
	BranchTip(ctx context.Context, repoPath, branch string) (string, error)
	// CommitOnRemote reports whether the sha exists on the remote.
	CommitOnRemote(ctx context.Context, repoPath, sha string) (bool, error)
}

// Log is the append-only event log, keyed by task id.
type Log struct {
	db           *store.DB
	dedupeWindow time.Duration
	verifier     PushVerifier
}

// Options configures a Log.
type Options struct {
	// DedupeWindow overrides DefaultDedupeWindow when positive.
	DedupeWindow time.Duration
	// Verifier enables VerifyStoryPush. Nil makes verification a logged no-op.
	Verifier PushVerifier
}

// NewLog creates an event log over the given database.
func NewLog(db *store.DB, opts Options) *Log {
	window := opts.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Log{db: db, dedupeWindow: window, verifier: opts.Verifier}
}

// fingerprint hashes the idempotency scope of an event.
func fingerprint(taskID string, typ Type, storyID, epicID string) string {
	h := blake3.New()
	for _, part := range []string{taskID, string(typ), storyID, epicID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Append stores the event, assigning the next per-task sequence number.
// It fails only on durable-storage error.
func (l *Log) Append(ctx context.Context, evt *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.TaskID == "" {
		return errors.New("append: event has no task id")
	}

	evt.ID = ulid.Make().String()
	evt.Timestamp = time.Now().UTC()
	fp := fingerprint(evt.TaskID, evt.Type, evt.StoryID, evt.EpicID)

	payload := "{}"
	if len(evt.Payload) > 0 {
		payload = string(evt.Payload)
	}

	return l.db.Transaction(func(tx *store.Tx) error {
		var seq int64
		row := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM events WHERE task_id = ?", evt.TaskID)
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("next sequence for %s: %w", evt.TaskID, err)
		}
		evt.Seq = seq + 1

		_, err := tx.Exec(`
			INSERT INTO events (id, task_id, seq, type, agent, payload, fingerprint, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, evt.ID, evt.TaskID, evt.Seq, string(evt.Type), evt.Agent, payload, fp, store.FormatTime(evt.Timestamp))
		if err != nil {
			return fmt.Errorf("insert event %s/%s: %w", evt.TaskID, evt.Type, err)
		}
		return nil
	})
}

// SafeAppend is the idempotent variant of Append: if an event with the same
// (task, type, story, epic) scope was appended within the dedupe window, the
// new one is suppressed and SafeAppend still reports success. Returns true
// when the event was actually stored.
func (l *Log) SafeAppend(ctx context.Context, evt *Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fp := fingerprint(evt.TaskID, evt.Type, evt.StoryID, evt.EpicID)
	cutoff := store.FormatTime(time.Now().UTC().Add(-l.dedupeWindow))

	var existing string
	row := l.db.QueryRow(`
		SELECT id FROM events
		WHERE task_id = ? AND fingerprint = ? AND ts >= ?
		LIMIT 1
	`, evt.TaskID, fp, cutoff)
	err := row.Scan(&existing)
	switch {
	case err == nil:
		log.Printf("[events] suppressed duplicate %s for task %s (matches %s)", evt.Type, evt.TaskID, existing)
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to append.
	default:
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}

	if err := l.Append(ctx, evt); err != nil {
		return false, err
	}
	return true, nil
}

// List returns all events for a task in sequence order.
func (l *Log) List(ctx context.Context, taskID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`
		SELECT id, task_id, seq, type, agent, payload, ts
		FROM events WHERE task_id = ? ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			evt     Event
			typ     string
			payload string
			ts      string
		)
		if err := rows.Scan(&evt.ID, &evt.TaskID, &evt.Seq, &typ, &evt.Agent, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = Type(typ)
		evt.Payload = []byte(payload)
		if parsed, err := store.ParseTime(ts); err == nil {
			evt.Timestamp = parsed
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// GetCurrentState folds all of a task's events into a snapshot.
func (l *Log) GetCurrentState(ctx context.Context, taskID string) (*TaskState, error) {
	evts, err := l.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return Fold(taskID, evts), nil
}

// ValidationReport lists structural problems found in a task's event stream.
type ValidationReport struct {
	// Valid is true when no problems were found.
	Valid bool `json:"valid"`
	// Problems describes each violated invariant.
	Problems []string `json:"problems,omitempty"`
}

// ValidateState checks the structural invariants of a task's event stream:
// every story references a known epic, ids are unique, sequences are gapless,
// and the task terminates at most once.
func (l *Log) ValidateState(ctx context.Context, taskID string) (*ValidationReport, error) {
	evts, err := l.List(ctx, taskID)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{}
	addProblem := func(format string, args ...any) {
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	epics := map[string]bool{}
	stories := map[string]bool{}
	completedSeen := false
	var lastSeq int64

	for _, evt := range evts {
		if evt.Seq != lastSeq+1 {
			addProblem("sequence gap: event %s has seq %d after %d", evt.ID, evt.Seq, lastSeq)
		}
		lastSeq = evt.Seq

		switch evt.Type {
		case TypeEpicCreated:
			var p EpicCreatedPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil || p.Epic.ID == "" {
				addProblem("EpicCreated at seq %d has an unreadable payload", evt.Seq)
				continue
			}
			if epics[p.Epic.ID] {
				addProblem("duplicate epic id %s", p.Epic.ID)
			}
			epics[p.Epic.ID] = true

		case TypeStoryCreated:
			var p StoryCreatedPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil || p.Story.ID == "" {
				addProblem("StoryCreated at seq %d has an unreadable payload", evt.Seq)
				continue
			}
			if stories[p.Story.ID] {
				addProblem("duplicate story id %s", p.Story.ID)
			}
			stories[p.Story.ID] = true
			if !epics[p.Story.EpicID] {
				addProblem("story %s references unknown epic %s", p.Story.ID, p.Story.EpicID)
			}

		case TypeDevelopersCompleted:
			if completedSeen {
				addProblem("DevelopersCompleted emitted more than once")
			}
			completedSeen = true
		}
	}

	report.Valid = len(report.Problems) == 0
	return report, nil
}

// VerifyPushRequest identifies the story branch to confirm on the remote.
type VerifyPushRequest struct {
	// TaskID is the owning task.
	TaskID string
	// StoryID is the story whose push is being confirmed.
	StoryID string
	// Branch is the story branch.
	Branch string
	// RepoPath is the repository checkout to inspect.
	RepoPath string
}

// VerifyStoryPush makes a best-effort confirmation that the story branch's
// latest commit exists on the remote. It only logs its findings; callers run
// it without blocking the pipeline.
func (l *Log) VerifyStoryPush(ctx context.Context, req VerifyPushRequest) error {
	if l.verifier == nil {
		log.Printf("[events] push verification skipped for %s/%s: no verifier configured", req.TaskID, req.StoryID)
		return nil
	}

	sha, err := l.verifier.BranchTip(ctx, req.RepoPath, req.Branch)
	if err != nil {
		log.Printf("[events] push verification for %s/%s: cannot read branch tip: %v", req.TaskID, req.StoryID, err)
		return nil
	}

	onRemote, err := l.verifier.CommitOnRemote(ctx, req.RepoPath, sha)
	if err != nil {
		log.Printf("[events] push verification for %s/%s: remote check failed: %v", req.TaskID, req.StoryID, err)
		return nil
	}

	if onRemote {
		log.Printf("[events] push verified for story %s: %s on remote %s", req.StoryID, sha[:minInt(12, len(sha))], req.Branch)
	} else {
		log.Printf("[events] push NOT verified for story %s: %s missing from remote %s", req.StoryID, sha[:minInt(12, len(sha))], req.Branch)
	}
	return nil
}

// ListFinishedTasks returns the ids of tasks whose terminating event is
// older than the retention window.
func (l *Log) ListFinishedTasks(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cutoff := store.FormatTime(time.Now().UTC().Add(-olderThan))
	rows, err := l.db.Query(`
		SELECT task_id FROM events
		WHERE type = ? GROUP BY task_id HAVING MAX(ts) < ?
	`, string(TypeDevelopersCompleted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan finished task: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PurgeFinishedTasks deletes events of tasks whose terminating event is
// older than the retention window. Returns the number of events removed.
func (l *Log) PurgeFinishedTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := store.FormatTime(time.Now().UTC().Add(-olderThan))
	res, err := l.db.Exec(`
		DELETE FROM events WHERE task_id IN (
			SELECT task_id FROM events
			WHERE type = ? GROUP BY task_id HAVING MAX(ts) < ?
		)
	`, string(TypeDevelopersCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", err)
	}
	return res.RowsAffected()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
