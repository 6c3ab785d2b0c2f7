package pipeline

import (
	"github.com/forgeline/gaffer/pkg/models"
)

// StoryResult is what a full pipeline run produced for one story. Cost and
// usage fields are populated even on partial failure: stages that ran get
// charged, stages that were skipped report zero.
type StoryResult struct {
	// TaskID, EpicID and StoryID identify the run.
	TaskID  string `json:"task_id"`
	EpicID  string `json:"epic_id"`
	StoryID string `json:"story_id"`
	// Status is the story's final state.
	Status models.StoryStatus `json:"status"`
	// CommitSHA is the story's final commit, when one was established.
	CommitSHA string `json:"commit_sha,omitempty"`
	// Branch is the story branch.
	Branch string `json:"branch,omitempty"`

	// DeveloperCost, JudgeCost and ConflictCost split spend by role. Judge
	// cost includes every judge run, re-runs after specialist routing
	// included.
	DeveloperCost float64 `json:"developer_cost"`
	JudgeCost     float64 `json:"judge_cost"`
	ConflictCost  float64 `json:"conflict_cost"`
	// DeveloperTokens, JudgeTokens and ConflictTokens split usage the same way.
	DeveloperTokens models.TokenUsage `json:"developer_tokens"`
	JudgeTokens     models.TokenUsage `json:"judge_tokens"`
	ConflictTokens  models.TokenUsage `json:"conflict_tokens"`

	// RecoveredFromFailure reports the recovery service salvaged the story.
	RecoveredFromFailure bool `json:"recovered_from_failure,omitempty"`
	// OriginalError is the failure recovery salvaged from.
	OriginalError string `json:"original_error,omitempty"`
	// MergeConflictAutoResolved reports regex or agent conflict resolution ran.
	MergeConflictAutoResolved bool `json:"merge_conflict_auto_resolved,omitempty"`
	// ResolvedBySpecialist names the specialist that unblocked a judge
	// rejection, e.g. "ConflictResolver".
	ResolvedBySpecialist string `json:"resolved_by_specialist,omitempty"`

	// Feedback is the judge's feedback, kept on rejection.
	Feedback string `json:"feedback,omitempty"`
	// Analysis is the classifier's verdict on a terminal failure.
	Analysis *models.FailureAnalysis `json:"analysis,omitempty"`
	// Error is the terminal failure message, empty on success.
	Error string `json:"error,omitempty"`
}

// TotalCost sums spend across all roles.
func (r *StoryResult) TotalCost() float64 {
	return r.DeveloperCost + r.JudgeCost + r.ConflictCost
}

// TotalTokens sums usage across all roles.
func (r *StoryResult) TotalTokens() models.TokenUsage {
	return r.DeveloperTokens.Add(r.JudgeTokens).Add(r.ConflictTokens)
}

// Succeeded reports whether the story merged and completed.
func (r *StoryResult) Succeeded() bool {
	return r.Status == models.StoryStatusCompleted
}

// judgeOutcome is what stage C hands back to the driver.
type judgeOutcome struct {
	// Result is the parsed verdict.
	Result *models.JudgeResult
	// BuildChecks summarises the build verification that ran before the judge.
	BuildChecks string
}
