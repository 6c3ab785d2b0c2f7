package models

import "time"

// TokenUsage counts tokens consumed by one agent invocation.
type TokenUsage struct {
	// Input is the number of prompt tokens.
	Input int64 `json:"input"`
	// Output is the number of completion tokens.
	Output int64 `json:"output"`
}

// Add returns the sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// DeveloperOutput is the structured result a developer agent returns. The
// CommitSHA here and the git object graph are the only things the pipeline
// treats as authoritative for what code was produced.
type DeveloperOutput struct {
	// Success reports whether the agent believes it finished cleanly.
	Success bool `json:"success"`
	// CommitSHA is the 40-hex commit the agent reports producing.
	CommitSHA string `json:"commit_sha,omitempty"`
	// BranchName is the story branch the agent worked on.
	BranchName string `json:"branch_name"`
	// FilesModified lists files changed by the agent.
	FilesModified []string `json:"files_modified,omitempty"`
	// FilesCreated lists files added by the agent.
	FilesCreated []string `json:"files_created,omitempty"`
	// CostUSD is the dollar cost of the invocation.
	CostUSD float64 `json:"cost_usd"`
	// Tokens is the token usage of the invocation.
	Tokens TokenUsage `json:"tokens"`
	// CompletedAt is when the agent finished.
	CompletedAt time.Time `json:"completed_at"`
	// StoryID is the story the agent worked on.
	StoryID string `json:"story_id"`
	// SDKSessionID identifies the agent session for mid-story resume.
	SDKSessionID string `json:"sdk_session_id,omitempty"`
	// LastMessageUUID is the final message id in the session, when known.
	LastMessageUUID string `json:"last_message_uuid,omitempty"`
	// RawResponse is the agent's final textual output, kept for marker
	// extraction and debugging.
	RawResponse string `json:"raw_response,omitempty"`
}

// RejectReason categorises why a judge rejected work.
type RejectReason string

const (
	// RejectReasonConflicts means conflict markers or merge damage remain.
	RejectReasonConflicts RejectReason = "conflicts"
	// RejectReasonCodeIssues means quality or correctness problems.
	RejectReasonCodeIssues RejectReason = "code_issues"
	// RejectReasonScopeViolation means changes outside the story scope.
	RejectReasonScopeViolation RejectReason = "scope_violation"
	// RejectReasonPlaceholderCode means stubbed or TODO-only implementation.
	RejectReasonPlaceholderCode RejectReason = "placeholder_code"
	// RejectReasonMissingFiles means required files were not produced.
	RejectReasonMissingFiles RejectReason = "missing_files"
	// RejectReasonOther covers everything else.
	RejectReasonOther RejectReason = "other"
)

// Valid returns true if the reason is a known value.
func (r RejectReason) Valid() bool {
	switch r {
	case RejectReasonConflicts, RejectReasonCodeIssues, RejectReasonScopeViolation,
		RejectReasonPlaceholderCode, RejectReasonMissingFiles, RejectReasonOther:
		return true
	default:
		return false
	}
}

// JudgeInput is everything the judge needs to evaluate one commit.
type JudgeInput struct {
	// TaskID is the owning task.
	TaskID string `json:"task_id"`
	// Story is the story under evaluation.
	Story Story `json:"story"`
	// Epic is the story's epic.
	Epic Epic `json:"epic"`
	// CommitSHA is the exact commit to evaluate.
	CommitSHA string `json:"commit_sha"`
	// Branch is the story branch holding the commit.
	Branch string `json:"branch"`
	// WorkspacePath is the repository checkout to inspect.
	WorkspacePath string `json:"workspace_path"`
	// BuildChecks summarises build verification results, if any ran.
	BuildChecks string `json:"build_checks,omitempty"`
}

// JudgeResult is the judge's verdict on one commit.
type JudgeResult struct {
	// Approved reports whether the work meets the acceptance criteria.
	Approved bool `json:"approved"`
	// Score is the judge's quality score, 0-100.
	Score int `json:"score,omitempty"`
	// Feedback is the judge's explanation, passed back on rejection.
	Feedback string `json:"feedback,omitempty"`
	// RejectReason is set when Approved is false.
	RejectReason RejectReason `json:"reject_reason,omitempty"`
	// CostUSD is the dollar cost of the judge invocation.
	CostUSD float64 `json:"cost_usd"`
	// Tokens is the token usage of the judge invocation.
	Tokens TokenUsage `json:"tokens"`
}
