// Package events provides the append-only event log: the durable record of
// every domain decision, and the fold that rebuilds task state from it.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeline/gaffer/pkg/models"
)

// Type names a domain event.
type Type string

const (
	// TypeTaskCreated records the task submission with its repositories.
	TypeTaskCreated Type = "TaskCreated"
	// TypeEnvironmentConfigured records the per-repository command set.
	TypeEnvironmentConfigured Type = "EnvironmentConfigured"
	// TypeEpicCreated records a new epic with its branch and repository.
	TypeEpicCreated Type = "EpicCreated"
	// TypeEpicOrderPlanned records the execution order the coordinator chose.
	TypeEpicOrderPlanned Type = "EpicOrderPlanned"
	// TypeStoryCreated records a new story on an epic.
	TypeStoryCreated Type = "StoryCreated"
	// TypeDeveloperStarted records a developer agent starting on a story.
	TypeDeveloperStarted Type = "DeveloperStarted"
	// TypeStoryCompleted records a story reaching completed.
	TypeStoryCompleted Type = "StoryCompleted"
	// TypeStoryFailed records a story reaching rejected or failed.
	TypeStoryFailed Type = "StoryFailed"
	// TypeStoryConflictPreserved records a merge conflict left for humans.
	TypeStoryConflictPreserved Type = "StoryConflictPreserved"
	// TypeDevelopersCompleted terminates a task run; always emitted.
	TypeDevelopersCompleted Type = "DevelopersCompleted"
)

// Event is one append-only record. Sequence numbers increase monotonically
// per task; state is a deterministic fold over the event prefix.
type Event struct {
	// ID is a lexically sortable record id.
	ID string `json:"id"`
	// TaskID is the owning task.
	TaskID string `json:"task_id"`
	// Seq is the per-task sequence number, assigned on append.
	Seq int64 `json:"seq"`
	// Type is the kind of event.
	Type Type `json:"type"`
	// Agent names the component or agent that caused the event.
	Agent string `json:"agent,omitempty"`
	// StoryID scopes the event to a story; used for idempotent appends.
	StoryID string `json:"story_id,omitempty"`
	// EpicID scopes the event to an epic; used for idempotent appends.
	EpicID string `json:"epic_id,omitempty"`
	// Payload is the typed event body, JSON-encoded.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event with a JSON-encoded payload. Seq and Timestamp are
// assigned by Append.
func New(taskID string, typ Type, agent string, payload any) (Event, error) {
	evt := Event{TaskID: taskID, Type: typ, Agent: agent}
	if payload == nil {
		return evt, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	evt.Payload = raw

	switch p := payload.(type) {
	case StoryScoped:
		evt.StoryID = p.ScopeStoryID()
		evt.EpicID = p.ScopeEpicID()
	}
	return evt, nil
}

// StoryScoped is implemented by payloads that identify a story and epic,
// letting SafeAppend deduplicate without decoding the payload.
type StoryScoped interface {
	ScopeStoryID() string
	ScopeEpicID() string
}

// TaskCreatedPayload is the body of TypeTaskCreated.
type TaskCreatedPayload struct {
	// Description is the user's natural-language request.
	Description string `json:"description"`
	// Repositories lists the repositories the task touches.
	Repositories []models.Repository `json:"repositories"`
}

// EnvironmentConfiguredPayload is the body of TypeEnvironmentConfigured.
type EnvironmentConfiguredPayload struct {
	// Environment carries per-repository commands.
	Environment models.EnvironmentConfig `json:"environment"`
}

// EpicCreatedPayload is the body of TypeEpicCreated.
type EpicCreatedPayload struct {
	// Epic is the full epic record.
	Epic models.Epic `json:"epic"`
}

// EpicOrderPlannedPayload is the body of TypeEpicOrderPlanned.
type EpicOrderPlannedPayload struct {
	// EpicIDs is the execution order after dependency resolution.
	EpicIDs []string `json:"epic_ids"`
	// CrossRepoEdges counts the synthetic edges the conservative policy added.
	CrossRepoEdges int `json:"cross_repo_edges,omitempty"`
}

// StoryCreatedPayload is the body of TypeStoryCreated.
type StoryCreatedPayload struct {
	// Story is the full story record.
	Story models.Story `json:"story"`
}

// ScopeStoryID implements StoryScoped.
func (p StoryCreatedPayload) ScopeStoryID() string { return p.Story.ID }

// ScopeEpicID implements StoryScoped.
func (p StoryCreatedPayload) ScopeEpicID() string { return p.Story.EpicID }

// DeveloperStartedPayload is the body of TypeDeveloperStarted.
type DeveloperStartedPayload struct {
	// StoryID is the story being implemented.
	StoryID string `json:"story_id"`
	// EpicID is the story's epic.
	EpicID string `json:"epic_id"`
	// Branch is the story branch the developer works on.
	Branch string `json:"branch"`
	// Instance labels which developer instance was assigned.
	Instance string `json:"instance,omitempty"`
	// Resumed reports whether a prior SDK session was resumed.
	Resumed bool `json:"resumed,omitempty"`
}

// ScopeStoryID implements StoryScoped.
func (p DeveloperStartedPayload) ScopeStoryID() string { return p.StoryID }

// ScopeEpicID implements StoryScoped.
func (p DeveloperStartedPayload) ScopeEpicID() string { return p.EpicID }

// StoryCompletedPayload is the body of TypeStoryCompleted.
type StoryCompletedPayload struct {
	// StoryID is the completed story.
	StoryID string `json:"story_id"`
	// EpicID is the story's epic.
	EpicID string `json:"epic_id"`
	// CommitSHA is the story's final commit.
	CommitSHA string `json:"commit_sha,omitempty"`
	// Branch is the story branch that was merged.
	Branch string `json:"branch,omitempty"`
	// RecoveredFromFailure reports whether the recovery service salvaged the story.
	RecoveredFromFailure bool `json:"recovered_from_failure,omitempty"`
	// OriginalError is the failure recovery salvaged from.
	OriginalError string `json:"original_error,omitempty"`
	// MergeConflictAutoResolved reports whether regex or agent resolution ran.
	MergeConflictAutoResolved bool `json:"merge_conflict_auto_resolved,omitempty"`
	// ResolvedBySpecialist names the specialist agent that unblocked the story.
	ResolvedBySpecialist string `json:"resolved_by_specialist,omitempty"`
	// CostUSD is the story's aggregate cost across all stages.
	CostUSD float64 `json:"cost_usd,omitempty"`
	// Tokens is the story's aggregate token usage.
	Tokens models.TokenUsage `json:"tokens,omitempty"`
	// Developer is the full developer output, preserved for replay.
	Developer *models.DeveloperOutput `json:"developer,omitempty"`
}

// ScopeStoryID implements StoryScoped.
func (p StoryCompletedPayload) ScopeStoryID() string { return p.StoryID }

// ScopeEpicID implements StoryScoped.
func (p StoryCompletedPayload) ScopeEpicID() string { return p.EpicID }

// StoryFailedPayload is the body of TypeStoryFailed.
type StoryFailedPayload struct {
	// StoryID is the failed story.
	StoryID string `json:"story_id"`
	// EpicID is the story's epic.
	EpicID string `json:"epic_id"`
	// Category is the failure taxonomy bucket.
	Category models.FailureCategory `json:"category"`
	// Error is the failure message.
	Error string `json:"error,omitempty"`
	// Rejected reports a judge rejection rather than an infrastructure failure.
	Rejected bool `json:"rejected,omitempty"`
	// Analysis is the classifier's full verdict, surfaced to the user.
	Analysis *models.FailureAnalysis `json:"analysis,omitempty"`
	// RecoveredFromFailure reports the recovery service reached the judge
	// before the terminal verdict.
	RecoveredFromFailure bool `json:"recovered_from_failure,omitempty"`
	// CostUSD is the partial cost accrued before the failure.
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// ScopeStoryID implements StoryScoped.
func (p StoryFailedPayload) ScopeStoryID() string { return p.StoryID }

// ScopeEpicID implements StoryScoped.
func (p StoryFailedPayload) ScopeEpicID() string { return p.EpicID }

// StoryConflictPreservedPayload is the body of TypeStoryConflictPreserved.
type StoryConflictPreservedPayload struct {
	// StoryID is the conflicted story.
	StoryID string `json:"story_id"`
	// EpicID is the story's epic.
	EpicID string `json:"epic_id"`
	// Branch is the preserved story branch.
	Branch string `json:"branch"`
	// ConflictedFiles lists the files neither resolver could clean.
	ConflictedFiles []string `json:"conflicted_files,omitempty"`
}

// ScopeStoryID implements StoryScoped.
func (p StoryConflictPreservedPayload) ScopeStoryID() string { return p.StoryID }

// ScopeEpicID implements StoryScoped.
func (p StoryConflictPreservedPayload) ScopeEpicID() string { return p.EpicID }

// DevelopersCompletedPayload is the body of TypeDevelopersCompleted. The
// coordinator emits it on every outcome so outer state machines never hang.
type DevelopersCompletedPayload struct {
	// Successful counts stories that completed.
	Successful int `json:"successful"`
	// FailedCount counts stories that ended rejected or failed.
	FailedCount int `json:"failed_count"`
	// Conflicts counts stories preserved in merge_conflict.
	Conflicts int `json:"conflicts,omitempty"`
	// StoriesImplemented is the total number of stories that merged.
	StoriesImplemented int `json:"stories_implemented"`
	// EpicsCount is the number of epics the coordinator ran.
	EpicsCount int `json:"epics_count"`
	// Failed reports a coordinator-level failure.
	Failed bool `json:"failed,omitempty"`
	// Error is the coordinator-level failure message.
	Error string `json:"error,omitempty"`
	// TotalCostUSD is the task's aggregate cost.
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}
