package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline/gaffer/internal/store"
)

// Session identifies a resumable agent conversation for a story.
type Session struct {
	// TaskID, AgentRole and StoryID form the primary key.
	TaskID    string `json:"taskId"`
	AgentRole string `json:"agentRole"`
	StoryID   string `json:"storyId"`
	// SessionID is the agent SDK's session identifier.
	SessionID string `json:"sessionId"`
	// LastMessageUUID marks where the conversation left off.
	LastMessageUUID string `json:"lastMessageUuid,omitempty"`
	// Metadata carries opaque runner-specific context.
	Metadata string `json:"metadata,omitempty"`
	// UpdatedAt is when the session was last recorded.
	UpdatedAt time.Time `json:"updatedAt"`
}

// SaveSession upserts an agent session for later resume.
func (s *Store) SaveSession(sess *Session) error {
	if sess.TaskID == "" || sess.AgentRole == "" {
		return errors.New("checkpoint: session needs task id and agent role")
	}

	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO agent_sessions
			(task_id, agent_role, story_id, session_id, last_message_uuid, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, agent_role, story_id) DO UPDATE SET
			session_id = excluded.session_id,
			last_message_uuid = excluded.last_message_uuid,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, sess.TaskID, sess.AgentRole, sess.StoryID, sess.SessionID, sess.LastMessageUUID,
		sess.Metadata, store.FormatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s/%s/%s: %w", sess.TaskID, sess.AgentRole, sess.StoryID, err)
	}
	return nil
}

// LoadSession returns the stored session, or nil when none exists.
func (s *Store) LoadSession(taskID, agentRole, storyID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT task_id, agent_role, story_id, session_id, last_message_uuid, metadata, updated_at
		FROM agent_sessions
		WHERE task_id = ? AND agent_role = ? AND story_id = ?
	`, taskID, agentRole, storyID)

	var (
		sess    Session
		updated string
	)
	err := row.Scan(&sess.TaskID, &sess.AgentRole, &sess.StoryID, &sess.SessionID,
		&sess.LastMessageUUID, &sess.Metadata, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s/%s/%s: %w", taskID, agentRole, storyID, err)
	}
	if ts, err := store.ParseTime(updated); err == nil {
		sess.UpdatedAt = ts
	}
	return &sess, nil
}

// ClearSession removes a stored session once it is no longer resumable.
func (s *Store) ClearSession(taskID, agentRole, storyID string) error {
	_, err := s.db.Exec(`
		DELETE FROM agent_sessions WHERE task_id = ? AND agent_role = ? AND story_id = ?
	`, taskID, agentRole, storyID)
	if err != nil {
		return fmt.Errorf("clear session %s/%s/%s: %w", taskID, agentRole, storyID, err)
	}
	return nil
}
