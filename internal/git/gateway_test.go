package git

import (
	"testing"
)

func TestParseWorkDetection(t *testing.T) {
	tests := []struct {
		name            string
		status          string
		wantUncommitted []string
		wantUntracked   []string
	}{
		{
			name:   "clean tree",
			status: "",
		},
		{
			name:            "modified tracked files",
			status:          " M internal/auth.go\nM  cmd/main.go",
			wantUncommitted: []string{"internal/auth.go", "cmd/main.go"},
		},
		{
			name:          "untracked only",
			status:        "?? newfile.go\n?? docs/notes.md",
			wantUntracked: []string{"newfile.go", "docs/notes.md"},
		},
		{
			name:            "mixed",
			status:          " M main.go\n?? generated.go\nA  staged.go",
			wantUncommitted: []string{"main.go", "staged.go"},
			wantUntracked:   []string{"generated.go"},
		},
		{
			name:            "rename keeps new path",
			status:          "R  old_name.go -> new_name.go",
			wantUncommitted: []string{"new_name.go"},
		},
		{
			name:            "conflict markers count as uncommitted",
			status:          "UU conflicted.go",
			wantUncommitted: []string{"conflicted.go"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseWorkDetection(tt.status)

			if got.HasUncommittedFiles != (len(tt.wantUncommitted) > 0) {
				t.Errorf("HasUncommittedFiles = %v", got.HasUncommittedFiles)
			}
			if got.HasUntrackedFiles != (len(tt.wantUntracked) > 0) {
				t.Errorf("HasUntrackedFiles = %v", got.HasUntrackedFiles)
			}
			if len(got.UncommittedFiles) != len(tt.wantUncommitted) {
				t.Fatalf("UncommittedFiles = %v, want %v", got.UncommittedFiles, tt.wantUncommitted)
			}
			for i, want := range tt.wantUncommitted {
				if got.UncommittedFiles[i] != want {
					t.Errorf("UncommittedFiles[%d] = %q, want %q", i, got.UncommittedFiles[i], want)
				}
			}
			if len(got.UntrackedFiles) != len(tt.wantUntracked) {
				t.Fatalf("UntrackedFiles = %v, want %v", got.UntrackedFiles, tt.wantUntracked)
			}
			for i, want := range tt.wantUntracked {
				if got.UntrackedFiles[i] != want {
					t.Errorf("UntrackedFiles[%d] = %q, want %q", i, got.UntrackedFiles[i], want)
				}
			}
		})
	}
}

func TestWorkDetection_Any(t *testing.T) {
	tests := []struct {
		name      string
		detection *WorkDetection
		want      bool
	}{
		{"nil detection", nil, false},
		{"clean", &WorkDetection{}, false},
		{"uncommitted", &WorkDetection{HasUncommittedFiles: true}, true},
		{"untracked", &WorkDetection{HasUntrackedFiles: true}, true},
		{"both", &WorkDetection{HasUncommittedFiles: true, HasUntrackedFiles: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.detection.Any(); got != tt.want {
				t.Errorf("Any() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubjectLine(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"feat: add login\n\nLonger body here", "feat: add login"},
		{"single line", "single line"},
		{"trailing newline\n", "trailing newline"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := subjectLine(tt.message); got != tt.want {
			t.Errorf("subjectLine(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

func TestRollbackTag(t *testing.T) {
	if got := rollbackTag("story-1"); got != "gaffer-rollback-story-1" {
		t.Errorf("rollbackTag = %q", got)
	}
}

func TestShortSHA(t *testing.T) {
	tests := []struct {
		sha  string
		want string
	}{
		{"0123456789abcdef0123456789abcdef01234567", "0123456789ab"},
		{"abc", "abc"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := shortSHA(tt.sha); got != tt.want {
			t.Errorf("shortSHA(%q) = %q, want %q", tt.sha, got, tt.want)
		}
	}
}

func TestDefaultTimeouts(t *testing.T) {
	timeouts := DefaultTimeouts()
	if !timeouts.Enabled {
		t.Error("timeouts should default to enabled")
	}
	if timeouts.Fetch.Seconds() != 90 {
		t.Errorf("fetch timeout = %s, want 90s", timeouts.Fetch)
	}
	if timeouts.Push.Seconds() != 120 {
		t.Errorf("push timeout = %s, want 120s", timeouts.Push)
	}
	if timeouts.Status.Seconds() != 15 {
		t.Errorf("status timeout = %s, want 15s", timeouts.Status)
	}
}
