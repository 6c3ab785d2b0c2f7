// Package checkpoint persists per-story progress so an interrupted task can
// resume mid-story instead of restarting from scratch.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline/gaffer/internal/store"
	"github.com/forgeline/gaffer/pkg/models"
)

// ErrStageRegression is returned when a save would move a story backwards
// or overwrite a terminal stage with a different one.
var ErrStageRegression = errors.New("checkpoint: stage regression")

// Checkpoint records how far a story has progressed and everything needed
// to pick it back up.
type Checkpoint struct {
	// TaskID, EpicID and StoryID form the primary key.
	TaskID  string `json:"taskId"`
	EpicID  string `json:"epicId"`
	StoryID string `json:"storyId"`
	// Stage is the furthest pipeline stage the story has reached.
	Stage models.StoryStatus `json:"stage"`
	// CommitHash is the story's last known commit.
	CommitHash string `json:"commitHash,omitempty"`
	// SDKSessionID resumes the developer agent's conversation.
	SDKSessionID string `json:"sdkSessionId,omitempty"`
	// FilesModified and FilesCreated describe the developer's work so far.
	FilesModified []string `json:"filesModified,omitempty"`
	FilesCreated  []string `json:"filesCreated,omitempty"`
	// ToolsUsed lists agent tool invocations, for diagnostics.
	ToolsUsed []string `json:"toolsUsed,omitempty"`
	// CostUSD accumulates spend attributed to the story.
	CostUSD float64 `json:"costUsd,omitempty"`
	// Verdict holds the judge's last decision, if it ran.
	Verdict string `json:"verdict,omitempty"`
	// Branch is the story branch name.
	Branch string `json:"branch,omitempty"`
	// PRURL is set when a pull request was opened for the story.
	PRURL string `json:"prUrl,omitempty"`
	// UpdatedAt is when the checkpoint was last written.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes checkpoints.
type Store struct {
	db *store.DB
}

// NewStore creates a checkpoint store over the given database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// canAdvance reports whether a story may move from one stage to another.
// Equal stages refresh in place, terminal stages are final, and a merge
// conflict may re-enter any later stage once resolved.
func canAdvance(from, to models.StoryStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	if to == models.StoryStatusMergeConflict {
		return true
	}
	if from == models.StoryStatusMergeConflict {
		return to != models.StoryStatusNotStarted
	}
	fromRank, toRank := from.Rank(), to.Rank()
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank >= fromRank
}

// Save writes a checkpoint, enforcing stage monotonicity. A save that would
// regress the story returns ErrStageRegression and leaves the stored row
// untouched.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.TaskID == "" || cp.StoryID == "" {
		return errors.New("checkpoint: task and story ids are required")
	}
	if !cp.Stage.Valid() {
		return fmt.Errorf("checkpoint: invalid stage %q", cp.Stage)
	}

	existing, err := s.Load(cp.TaskID, cp.EpicID, cp.StoryID)
	if err != nil {
		return err
	}
	if existing != nil && !canAdvance(existing.Stage, cp.Stage) {
		return fmt.Errorf("%w: %s -> %s for story %s", ErrStageRegression, existing.Stage, cp.Stage, cp.StoryID)
	}

	modified, err := json.Marshal(cp.FilesModified)
	if err != nil {
		return fmt.Errorf("marshal files modified: %w", err)
	}
	created, err := json.Marshal(cp.FilesCreated)
	if err != nil {
		return fmt.Errorf("marshal files created: %w", err)
	}
	tools, err := json.Marshal(cp.ToolsUsed)
	if err != nil {
		return fmt.Errorf("marshal tools used: %w", err)
	}

	cp.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO story_progress
			(task_id, epic_id, story_id, stage, commit_hash, sdk_session_id,
			 files_modified, files_created, tools_used, cost_usd, verdict,
			 branch, pr_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, epic_id, story_id) DO UPDATE SET
			stage = excluded.stage,
			commit_hash = excluded.commit_hash,
			sdk_session_id = excluded.sdk_session_id,
			files_modified = excluded.files_modified,
			files_created = excluded.files_created,
			tools_used = excluded.tools_used,
			cost_usd = excluded.cost_usd,
			verdict = excluded.verdict,
			branch = excluded.branch,
			pr_url = excluded.pr_url,
			updated_at = excluded.updated_at
	`, cp.TaskID, cp.EpicID, cp.StoryID, string(cp.Stage), cp.CommitHash, cp.SDKSessionID,
		string(modified), string(created), string(tools), cp.CostUSD, cp.Verdict,
		cp.Branch, cp.PRURL, store.FormatTime(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.TaskID, cp.StoryID, err)
	}
	return nil
}

// Load returns the checkpoint for a story, or nil when none exists.
func (s *Store) Load(taskID, epicID, storyID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT task_id, epic_id, story_id, stage, commit_hash, sdk_session_id,
		       files_modified, files_created, tools_used, cost_usd, verdict,
		       branch, pr_url, updated_at
		FROM story_progress
		WHERE task_id = ? AND epic_id = ? AND story_id = ?
	`, taskID, epicID, storyID)

	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", taskID, storyID, err)
	}
	return cp, nil
}

// ListForTask returns all of a task's checkpoints, most recently updated last.
func (s *Store) ListForTask(taskID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT task_id, epic_id, story_id, stage, commit_hash, sdk_session_id,
		       files_modified, files_created, tools_used, cost_usd, verdict,
		       branch, pr_url, updated_at
		FROM story_progress
		WHERE task_id = ? ORDER BY updated_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// MarkCompleted advances a story's checkpoint to the completed stage,
// recording the judge's verdict and, when one was opened, the pull request
// URL. Empty arguments leave previously recorded values in place.
func (s *Store) MarkCompleted(taskID, epicID, storyID, verdict, prURL string) error {
	existing, err := s.Load(taskID, epicID, storyID)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &Checkpoint{TaskID: taskID, EpicID: epicID, StoryID: storyID}
	}
	existing.Stage = models.StoryStatusCompleted
	if verdict != "" {
		existing.Verdict = verdict
	}
	if prURL != "" {
		existing.PRURL = prURL
	}
	return s.Save(existing)
}

// PurgeTask deletes all of a task's checkpoints and agent sessions.
func (s *Store) PurgeTask(taskID string) error {
	if _, err := s.db.Exec(`DELETE FROM story_progress WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("purge checkpoints for %s: %w", taskID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM agent_sessions WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("purge sessions for %s: %w", taskID, err)
	}
	return nil
}

func scanCheckpoint(scan func(dest ...any) error) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		stage    string
		modified string
		created  string
		tools    string
		updated  string
	)
	err := scan(&cp.TaskID, &cp.EpicID, &cp.StoryID, &stage, &cp.CommitHash, &cp.SDKSessionID,
		&modified, &created, &tools, &cp.CostUSD, &cp.Verdict, &cp.Branch, &cp.PRURL, &updated)
	if err != nil {
		return nil, err
	}
	cp.Stage = models.StoryStatus(stage)
	json.Unmarshal([]byte(modified), &cp.FilesModified)
	json.Unmarshal([]byte(created), &cp.FilesCreated)
	json.Unmarshal([]byte(tools), &cp.ToolsUsed)
	if ts, err := store.ParseTime(updated); err == nil {
		cp.UpdatedAt = ts
	}
	return &cp, nil
}
