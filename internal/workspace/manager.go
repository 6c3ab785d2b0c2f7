// Package workspace manages per-task working directories: one directory
// per task, one clone per repository. No state lives outside the workspace
// and the stores.
package workspace

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	execpkg "github.com/forgeline/gaffer/internal/exec"
	"github.com/forgeline/gaffer/pkg/models"
)

// DefaultBaseName is the directory under the OS temp dir that holds task
// workspaces when no base dir is configured.
const DefaultBaseName = "agent-workspace"

// cloneTimeout bounds a single git clone.
const cloneTimeout = 10 * time.Minute

// Manager creates, resolves and destroys task workspaces.
type Manager struct {
	baseDir string
	runner  execpkg.CommandRunner
}

// NewManager creates a workspace manager. An empty baseDir falls back to
// <os temp>/agent-workspace.
func NewManager(baseDir string, runner execpkg.CommandRunner) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), DefaultBaseName)
	}
	return &Manager{baseDir: baseDir, runner: runner}
}

// BaseDir returns the directory task workspaces live under.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// TaskDir returns the workspace root for a task.
func (m *Manager) TaskDir(taskID string) string {
	return filepath.Join(m.baseDir, "task-"+taskID)
}

// Path returns the checkout directory for a repository inside a task
// workspace.
func (m *Manager) Path(taskID, repoName string) string {
	return filepath.Join(m.TaskDir(taskID), repoName)
}

// Prepare creates the task workspace and clones every repository into it.
// Already-cloned repositories are left alone, so Prepare is safe to call
// again on resume.
func (m *Manager) Prepare(ctx context.Context, taskID string, repos []models.Repository) (string, error) {
	taskDir := m.TaskDir(taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", taskDir, err)
	}

	for _, repo := range repos {
		dest := filepath.Join(taskDir, repo.Name)
		if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
			log.Printf("[workspace] %s already cloned for task %s", repo.Name, taskID)
			continue
		}

		cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
		out, err := m.runner.Run(cloneCtx, taskDir, "git", "clone", repo.CloneURL, repo.Name)
		cancel()
		if err != nil {
			return "", fmt.Errorf("clone %s into %s: %w: %s", repo.Name, taskDir, err, strings.TrimSpace(string(out)))
		}
		log.Printf("[workspace] cloned %s for task %s", repo.Name, taskID)
	}
	return taskDir, nil
}

// Destroy removes the task workspace and everything in it.
func (m *Manager) Destroy(taskID string) error {
	taskDir := m.TaskDir(taskID)
	if err := os.RemoveAll(taskDir); err != nil {
		return fmt.Errorf("destroy workspace %s: %w", taskDir, err)
	}
	return nil
}

// SweepOrphans removes task workspaces whose last modification is older
// than ttl. Returns the paths removed. Used by the janitor; tasks still
// running keep touching their workspaces, so a stale mtime means abandoned.
func (m *Manager) SweepOrphans(ttl time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace base %s: %w", m.baseDir, err)
	}

	cutoff := time.Now().Add(-ttl)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "task-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[workspace] sweep: cannot remove %s: %v", path, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}
