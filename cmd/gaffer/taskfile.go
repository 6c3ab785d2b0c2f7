package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/forgeline/gaffer/pkg/models"
)

// TaskFile is the YAML document a run starts from: the task's goal, the
// repositories it touches, and the epic/story breakdown to execute.
type TaskFile struct {
	ID           string                  `yaml:"id"`
	Description  string                  `yaml:"description"`
	Repositories []RepositorySpec        `yaml:"repositories"`
	Environment  map[string]CommandsSpec `yaml:"environment"`
	Epics        []EpicSpec              `yaml:"epics"`
}

// RepositorySpec declares one repository the task operates on.
type RepositorySpec struct {
	Name          string `yaml:"name"`
	CloneURL      string `yaml:"clone_url"`
	DefaultBranch string `yaml:"default_branch"`
}

// CommandsSpec declares the per-repository build commands.
type CommandsSpec struct {
	Install   string `yaml:"install"`
	Build     string `yaml:"build"`
	Test      string `yaml:"test"`
	Lint      string `yaml:"lint"`
	Typecheck string `yaml:"typecheck"`
	Rebuild   string `yaml:"rebuild"`
}

// EpicSpec declares one epic and its stories.
type EpicSpec struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	Repository string      `yaml:"repository"`
	Branch     string      `yaml:"branch"`
	DependsOn  []string    `yaml:"depends_on"`
	Stories    []StorySpec `yaml:"stories"`
}

// StorySpec declares one story.
type StorySpec struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	Branch             string   `yaml:"branch"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
}

// LoadTaskFile reads and validates a task file. Missing ids and branch
// names get deterministic defaults so hand-written files stay short.
func LoadTaskFile(path string) (*TaskFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tf TaskFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if err := tf.fillAndValidate(); err != nil {
		return nil, fmt.Errorf("task file %s: %w", path, err)
	}
	return &tf, nil
}

func (tf *TaskFile) fillAndValidate() error {
	if tf.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(tf.Repositories) == 0 {
		return fmt.Errorf("at least one repository is required")
	}
	if len(tf.Epics) == 0 {
		return fmt.Errorf("at least one epic is required")
	}
	if tf.ID == "" {
		tf.ID = uuid.NewString()
	}

	repos := map[string]bool{}
	for i, repo := range tf.Repositories {
		if repo.Name == "" {
			return fmt.Errorf("repository %d has no name", i)
		}
		if repos[repo.Name] {
			return fmt.Errorf("repository %s declared twice", repo.Name)
		}
		repos[repo.Name] = true
	}

	for i := range tf.Epics {
		epic := &tf.Epics[i]
		if epic.ID == "" {
			epic.ID = uuid.NewString()
		}
		if epic.Name == "" {
			epic.Name = epic.ID
		}
		if !repos[epic.Repository] {
			return fmt.Errorf("epic %s references unknown repository %q", epic.ID, epic.Repository)
		}
		if epic.Branch == "" {
			epic.Branch = "epic/" + epic.ID
		}
		if len(epic.Stories) == 0 {
			return fmt.Errorf("epic %s has no stories", epic.ID)
		}
		for j := range epic.Stories {
			story := &epic.Stories[j]
			if story.ID == "" {
				story.ID = uuid.NewString()
			}
			if story.Title == "" {
				return fmt.Errorf("story %s in epic %s has no title", story.ID, epic.ID)
			}
			if story.Branch == "" {
				story.Branch = "story/" + epic.ID + "/" + story.ID
			}
		}
	}
	return nil
}

// Build converts the file into the task, epic and story records the event
// log stores.
func (tf *TaskFile) Build() (models.Task, []models.Epic, []models.Story) {
	task := models.Task{
		ID:          tf.ID,
		Description: tf.Description,
	}
	for _, repo := range tf.Repositories {
		task.Repositories = append(task.Repositories, models.Repository{
			Name:          repo.Name,
			CloneURL:      repo.CloneURL,
			DefaultBranch: repo.DefaultBranch,
		})
	}
	if len(tf.Environment) > 0 {
		task.Environment.Commands = map[string]models.RepoCommands{}
		for name, cmds := range tf.Environment {
			task.Environment.Commands[name] = models.RepoCommands{
				Install:   cmds.Install,
				Build:     cmds.Build,
				Test:      cmds.Test,
				Lint:      cmds.Lint,
				Typecheck: cmds.Typecheck,
				Rebuild:   cmds.Rebuild,
			}
		}
	}

	var epics []models.Epic
	var stories []models.Story
	for _, es := range tf.Epics {
		epic := models.Epic{
			ID:         es.ID,
			Name:       es.Name,
			Repository: es.Repository,
			BranchName: es.Branch,
			DependsOn:  es.DependsOn,
		}
		for _, ss := range es.Stories {
			epic.StoryIDs = append(epic.StoryIDs, ss.ID)
			stories = append(stories, models.Story{
				ID:                 ss.ID,
				Title:              ss.Title,
				Description:        ss.Description,
				EpicID:             es.ID,
				BranchName:         ss.Branch,
				Status:             models.StoryStatusNotStarted,
				AcceptanceCriteria: ss.AcceptanceCriteria,
			})
		}
		epics = append(epics, epic)
	}
	return task, epics, stories
}
