// Package agent runs LLM agents for the story pipeline: developers that
// write code, judges that evaluate it, and conflict resolvers that clean
// up merges. Two backends exist: a subprocess wrapper around the claude
// CLI and a direct Anthropic API loop.
package agent

import (
	"context"
	"time"

	"github.com/forgeline/gaffer/pkg/models"
)

// Role identifies which agent persona an invocation runs as. The value is
// also the session key in the checkpoint store.
type Role string

const (
	// RoleDeveloper implements a story on its branch.
	RoleDeveloper Role = "developer"
	// RoleJudge evaluates a pushed commit against acceptance criteria.
	RoleJudge Role = "judge"
	// RoleConflictResolver cleans conflict markers out of merge-damaged files.
	RoleConflictResolver Role = "conflict_resolver"
)

// Request describes one agent invocation.
type Request struct {
	// Role selects the persona.
	Role Role
	// Prompt is the full prompt text.
	Prompt string
	// WorkspaceDir is the repository checkout the agent works in.
	WorkspaceDir string
	// TaskID is the owning task, used for labelling and session storage.
	TaskID string
	// StoryID is the story under work, empty for task-level invocations.
	StoryID string
	// Model overrides the configured model when set.
	Model string
	// ResumeSessionID continues a previous session instead of starting fresh.
	ResumeSessionID string
	// Timeout caps the invocation. Zero means the runner's default.
	Timeout time.Duration
}

// Result is what an agent invocation produced, independent of role.
type Result struct {
	// Output is the agent's final textual output.
	Output string
	// CostUSD is the dollar cost of the invocation.
	CostUSD float64
	// Usage is the token usage of the invocation.
	Usage models.TokenUsage
	// SDKSessionID identifies the session for later resume, when the
	// backend supports it.
	SDKSessionID string
	// LastMessageUUID is the final message id in the session, when known.
	LastMessageUUID string
	// NumTurns counts agent turns (tool round-trips).
	NumTurns int
	// DurationMS is wall-clock time reported by the backend, if any.
	DurationMS int64
}

// DeveloperRequest carries everything a developer invocation needs.
type DeveloperRequest struct {
	// TaskID is the owning task.
	TaskID string
	// Story is the story to implement.
	Story models.Story
	// Epic is the story's epic, for context in the prompt.
	Epic models.Epic
	// Repository is the repo the story targets.
	Repository models.Repository
	// WorkspaceDir is the repository checkout.
	WorkspaceDir string
	// Branch is the story branch, already checked out.
	Branch string
	// EpicBranch is the integration branch the story merges into.
	EpicBranch string
	// Commands are the environment commands for the repository.
	Commands models.RepoCommands
	// Feedback is judge feedback from a previous rejection, empty on the
	// first attempt.
	Feedback string
	// ResumeSessionID continues an interrupted session.
	ResumeSessionID string
	// Timeout caps the invocation. Zero means the runner's default.
	Timeout time.Duration
}

// Runner executes agents. Implementations: CLIRunner (claude subprocess)
// and APIRunner (direct Anthropic API).
type Runner interface {
	// ExecuteDeveloper runs a developer on a story and derives structured
	// output from the agent's response. The returned output is a claim;
	// callers verify it against git.
	ExecuteDeveloper(ctx context.Context, req DeveloperRequest) (*models.DeveloperOutput, error)

	// ExecuteAgent runs one agent invocation and returns the raw result.
	ExecuteAgent(ctx context.Context, req Request) (*Result, error)
}
