package models

import "testing"

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"done is valid", TaskStatusDone, true},
		{"failed is valid", TaskStatusFailed, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestEnvironmentConfig_CommandsFor(t *testing.T) {
	env := EnvironmentConfig{
		Commands: map[string]RepoCommands{
			"api": {Install: "npm install", Rebuild: "npm run build"},
		},
	}

	tests := []struct {
		name        string
		env         EnvironmentConfig
		repo        string
		wantInstall string
	}{
		{"known repository", env, "api", "npm install"},
		{"unknown repository yields zero value", env, "web", ""},
		{"nil map yields zero value", EnvironmentConfig{}, "api", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.env.CommandsFor(tt.repo)
			if got.Install != tt.wantInstall {
				t.Errorf("CommandsFor(%q).Install = %q, want %q", tt.repo, got.Install, tt.wantInstall)
			}
		})
	}
}
