package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task pipeline is running.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusDone indicates every story reached a terminal state.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the coordinator failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Task is a user-submitted unit of work spanning one or more repositories.
// It is immutable except through events.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Description is the natural-language request from the user.
	Description string `json:"description"`
	// Repositories lists the git repositories the task touches.
	Repositories []Repository `json:"repositories"`
	// Epics is derived from events; populated by folding the event log.
	Epics []Epic `json:"epics,omitempty"`
	// Environment carries per-repository build and install commands.
	Environment EnvironmentConfig `json:"environment,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// Repository describes one git repository owned by a task.
type Repository struct {
	// Name is the repository's short name, also its directory inside the workspace.
	Name string `json:"name"`
	// CloneURL is where the repository is cloned from and pushed to.
	CloneURL string `json:"clone_url"`
	// DefaultBranch is the branch epic branches are created from.
	DefaultBranch string `json:"default_branch"`
	// Path is the working directory inside the task workspace.
	Path string `json:"path,omitempty"`
}

// RepoCommands holds the environment-specific commands for one repository.
// Empty fields mean the step is skipped.
type RepoCommands struct {
	// Install reinstalls dependencies after a manifest change.
	Install string `json:"install,omitempty" yaml:"install,omitempty"`
	// Build compiles the project.
	Build string `json:"build,omitempty" yaml:"build,omitempty"`
	// Test runs the test suite.
	Test string `json:"test,omitempty" yaml:"test,omitempty"`
	// Lint runs the linter.
	Lint string `json:"lint,omitempty" yaml:"lint,omitempty"`
	// Typecheck runs the type checker.
	Typecheck string `json:"typecheck,omitempty" yaml:"typecheck,omitempty"`
	// Rebuild refreshes a running dev environment after a merge. An echo
	// command signals hot reload and suppresses the rebuild step.
	Rebuild string `json:"rebuild,omitempty" yaml:"rebuild,omitempty"`
}

// EnvironmentConfig maps repository names to their commands.
type EnvironmentConfig struct {
	// Commands is keyed by repository name.
	Commands map[string]RepoCommands `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// CommandsFor returns the commands for a repository, zero value if absent.
func (e EnvironmentConfig) CommandsFor(repo string) RepoCommands {
	if e.Commands == nil {
		return RepoCommands{}
	}
	return e.Commands[repo]
}
