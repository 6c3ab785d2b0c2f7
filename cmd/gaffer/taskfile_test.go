package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTaskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write task file: %v", err)
	}
	return path
}

const validTaskYAML = `
id: task-1
description: Add authentication
repositories:
  - name: app
    clone_url: git@example.com:org/app.git
    default_branch: main
environment:
  app:
    install: npm install
    build: npm run build
epics:
  - id: epic-1
    name: Auth
    repository: app
    stories:
      - id: story-1
        title: Add login form
      - title: Add logout button
`

func TestLoadTaskFileFillsDefaults(t *testing.T) {
	tf, err := LoadTaskFile(writeTaskFile(t, validTaskYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	epic := tf.Epics[0]
	if epic.Branch != "epic/epic-1" {
		t.Errorf("epic branch = %q, want epic/epic-1", epic.Branch)
	}
	if got := epic.Stories[0].Branch; got != "story/epic-1/story-1" {
		t.Errorf("story branch = %q", got)
	}
	if epic.Stories[1].ID == "" {
		t.Error("second story did not get a generated id")
	}
}

func TestLoadTaskFileRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing description",
			yaml:    "repositories:\n  - name: app\nepics:\n  - repository: app\n    stories:\n      - title: x\n",
			wantErr: "description",
		},
		{
			name:    "no repositories",
			yaml:    "description: x\nepics:\n  - repository: app\n    stories:\n      - title: x\n",
			wantErr: "repository",
		},
		{
			name:    "unknown epic repository",
			yaml:    "description: x\nrepositories:\n  - name: app\nepics:\n  - repository: api\n    stories:\n      - title: x\n",
			wantErr: "unknown repository",
		},
		{
			name:    "epic without stories",
			yaml:    "description: x\nrepositories:\n  - name: app\nepics:\n  - repository: app\n",
			wantErr: "no stories",
		},
		{
			name:    "story without title",
			yaml:    "description: x\nrepositories:\n  - name: app\nepics:\n  - repository: app\n    stories:\n      - id: s1\n",
			wantErr: "no title",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTaskFile(writeTaskFile(t, tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestTaskFileBuild(t *testing.T) {
	tf, err := LoadTaskFile(writeTaskFile(t, validTaskYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	task, epics, stories := tf.Build()
	if task.ID != "task-1" {
		t.Errorf("task id = %q", task.ID)
	}
	if len(task.Repositories) != 1 || task.Repositories[0].DefaultBranch != "main" {
		t.Errorf("repositories = %+v", task.Repositories)
	}
	if cmds := task.Environment.CommandsFor("app"); cmds.Install != "npm install" {
		t.Errorf("install command = %q", cmds.Install)
	}

	if len(epics) != 1 || len(epics[0].StoryIDs) != 2 {
		t.Fatalf("epics = %+v", epics)
	}
	if len(stories) != 2 || stories[0].EpicID != "epic-1" {
		t.Fatalf("stories = %+v", stories)
	}
	if stories[1].ID != epics[0].StoryIDs[1] {
		t.Error("epic StoryIDs do not line up with story records")
	}
}
