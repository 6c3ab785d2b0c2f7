package models

import "time"

// Epic is a scoped slice of a task targeting exactly one repository, with
// its own long-lived branch. An epic is complete when all its stories are
// merged or terminally failed.
type Epic struct {
	// ID is the unique identifier for this epic.
	ID string `json:"id"`
	// Name is the short description of the epic.
	Name string `json:"name"`
	// Repository is the name of the single repository this epic targets.
	Repository string `json:"repository"`
	// BranchName is the epic's long-lived branch, created from the
	// repository default branch before any story runs.
	BranchName string `json:"branch_name"`
	// StoryIDs lists the stories on this epic in execution order.
	StoryIDs []string `json:"story_ids,omitempty"`
	// DependsOn lists epic IDs that must complete before this epic starts.
	DependsOn []string `json:"depends_on,omitempty"`
	// CreatedAt is when the epic was created.
	CreatedAt time.Time `json:"created_at,omitempty"`
}
