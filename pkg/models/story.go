package models

import "time"

// StoryStatus represents the pipeline stage a story has reached.
type StoryStatus string

const (
	// StoryStatusNotStarted indicates no pipeline stage has run yet.
	StoryStatusNotStarted StoryStatus = "not_started"
	// StoryStatusCodeGenerating indicates the developer agent is working.
	StoryStatusCodeGenerating StoryStatus = "code_generating"
	// StoryStatusCodeWritten indicates the developer agent returned.
	StoryStatusCodeWritten StoryStatus = "code_written"
	// StoryStatusPushed indicates the story commit is confirmed on the remote.
	StoryStatusPushed StoryStatus = "pushed"
	// StoryStatusJudgeEvaluating indicates the judge agent is reviewing.
	StoryStatusJudgeEvaluating StoryStatus = "judge_evaluating"
	// StoryStatusMergedToEpic indicates the story branch merged into the epic branch.
	StoryStatusMergedToEpic StoryStatus = "merged_to_epic"
	// StoryStatusCompleted indicates the story finished successfully.
	StoryStatusCompleted StoryStatus = "completed"
	// StoryStatusRejected indicates the judge rejected the work.
	StoryStatusRejected StoryStatus = "rejected"
	// StoryStatusFailed indicates the story failed terminally.
	StoryStatusFailed StoryStatus = "failed"
	// StoryStatusMergeConflict indicates an unresolvable merge conflict;
	// the branch is preserved for human resolution and the story is not
	// counted as terminally failed.
	StoryStatusMergeConflict StoryStatus = "merge_conflict"
)

// storyStatusRank orders the linear pipeline stages. Alternative outcomes
// (rejected, failed, merge_conflict) are not on the linear scale.
var storyStatusRank = map[StoryStatus]int{
	StoryStatusNotStarted:      0,
	StoryStatusCodeGenerating:  1,
	StoryStatusCodeWritten:     2,
	StoryStatusPushed:          3,
	StoryStatusJudgeEvaluating: 4,
	StoryStatusMergedToEpic:    5,
	StoryStatusCompleted:       6,
}

// Valid returns true if the status is a known value.
func (s StoryStatus) Valid() bool {
	switch s {
	case StoryStatusNotStarted, StoryStatusCodeGenerating, StoryStatusCodeWritten,
		StoryStatusPushed, StoryStatusJudgeEvaluating, StoryStatusMergedToEpic,
		StoryStatusCompleted, StoryStatusRejected, StoryStatusFailed,
		StoryStatusMergeConflict:
		return true
	default:
		return false
	}
}

// Rank returns the position of a linear pipeline stage, or -1 for
// alternative outcomes and unknown values.
func (s StoryStatus) Rank() int {
	if r, ok := storyStatusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal returns true if no further automated work happens on the story.
func (s StoryStatus) Terminal() bool {
	switch s {
	case StoryStatusCompleted, StoryStatusRejected, StoryStatusFailed:
		return true
	default:
		return false
	}
}

// Story is the smallest unit an agent implements: one branch, one developer,
// one commit chain.
type Story struct {
	// ID is the unique identifier for this story.
	ID string `json:"id"`
	// Title is the short description of the story.
	Title string `json:"title"`
	// Description provides detailed implementation guidance.
	Description string `json:"description,omitempty"`
	// EpicID is the epic this story belongs to.
	EpicID string `json:"epic_id"`
	// BranchName is the git branch the developer works on, unique per task.
	BranchName string `json:"branch_name"`
	// Status is the pipeline stage the story has reached.
	Status StoryStatus `json:"status"`
	// AcceptanceCriteria defines what the judge evaluates against.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// CreatedAt is when the story was created.
	CreatedAt time.Time `json:"created_at,omitempty"`
	// CompletedAt is when the story reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
