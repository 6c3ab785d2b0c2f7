package events

import (
	"encoding/json"
	"time"

	"github.com/forgeline/gaffer/pkg/models"
)

// TaskState is the deterministic fold of a task's event stream. Replaying
// the same events always yields the same state.
type TaskState struct {
	// TaskID is the task the state belongs to.
	TaskID string `json:"taskId"`
	// Description is the task's natural-language goal.
	Description string `json:"description"`
	// Repositories are the repos the task operates on.
	Repositories []models.Repository `json:"repositories,omitempty"`
	// Environment holds per-repo build and test commands.
	Environment models.EnvironmentConfig `json:"environment"`
	// EpicOrder is the planned execution order, when one was recorded.
	EpicOrder []string `json:"epicOrder,omitempty"`
	// DevelopersCompletedAt is set once the task emitted its terminating event.
	DevelopersCompletedAt *time.Time `json:"developersCompletedAt,omitempty"`
	// Summary is the payload of the terminating event, if any.
	Summary *DevelopersCompletedPayload `json:"summary,omitempty"`

	epics      map[string]*models.Epic
	stories    map[string]*models.Story
	epicSeen   []string
	storySeen  []string
	lastOutput map[string]*models.DeveloperOutput
}

func newTaskState(taskID string) *TaskState {
	return &TaskState{
		TaskID:     taskID,
		epics:      map[string]*models.Epic{},
		stories:    map[string]*models.Story{},
		lastOutput: map[string]*models.DeveloperOutput{},
	}
}

// Epic returns the epic with the given id, or nil.
func (s *TaskState) Epic(id string) *models.Epic { return s.epics[id] }

// Story returns the story with the given id, or nil.
func (s *TaskState) Story(id string) *models.Story { return s.stories[id] }

// Epics returns all epics in creation order.
func (s *TaskState) Epics() []*models.Epic {
	out := make([]*models.Epic, 0, len(s.epicSeen))
	for _, id := range s.epicSeen {
		out = append(out, s.epics[id])
	}
	return out
}

// Stories returns all stories in creation order.
func (s *TaskState) Stories() []*models.Story {
	out := make([]*models.Story, 0, len(s.storySeen))
	for _, id := range s.storySeen {
		out = append(out, s.stories[id])
	}
	return out
}

// StoriesForEpic returns the epic's stories in creation order.
func (s *TaskState) StoriesForEpic(epicID string) []*models.Story {
	var out []*models.Story
	for _, id := range s.storySeen {
		if st := s.stories[id]; st != nil && st.EpicID == epicID {
			out = append(out, st)
		}
	}
	return out
}

// BranchForStory returns the branch the story was developed on, preferring
// the branch recorded at completion over the one assigned at creation.
func (s *TaskState) BranchForStory(storyID string) string {
	if out := s.lastOutput[storyID]; out != nil && out.BranchName != "" {
		return out.BranchName
	}
	if st := s.stories[storyID]; st != nil {
		return st.BranchName
	}
	return ""
}

// DeveloperOutputFor returns the last recorded developer output for a story.
func (s *TaskState) DeveloperOutputFor(storyID string) *models.DeveloperOutput {
	return s.lastOutput[storyID]
}

// Done reports whether the task has emitted its terminating event.
func (s *TaskState) Done() bool { return s.DevelopersCompletedAt != nil }

// Fold replays events in order into a TaskState. Unreadable payloads are
// skipped so a single bad event cannot poison state reconstruction.
func Fold(taskID string, evts []Event) *TaskState {
	state := newTaskState(taskID)
	for i := range evts {
		state.apply(&evts[i])
	}
	return state
}

func (s *TaskState) apply(evt *Event) {
	switch evt.Type {
	case TypeTaskCreated:
		var p TaskCreatedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			s.Description = p.Description
			s.Repositories = p.Repositories
		}

	case TypeEnvironmentConfigured:
		var p EnvironmentConfiguredPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			s.Environment = p.Environment
		}

	case TypeEpicCreated:
		var p EpicCreatedPayload
		if json.Unmarshal(evt.Payload, &p) == nil && p.Epic.ID != "" {
			if _, seen := s.epics[p.Epic.ID]; !seen {
				s.epicSeen = append(s.epicSeen, p.Epic.ID)
			}
			epic := p.Epic
			s.epics[epic.ID] = &epic
		}

	case TypeEpicOrderPlanned:
		var p EpicOrderPlannedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			s.EpicOrder = p.EpicIDs
		}

	case TypeStoryCreated:
		var p StoryCreatedPayload
		if json.Unmarshal(evt.Payload, &p) == nil && p.Story.ID != "" {
			if _, seen := s.stories[p.Story.ID]; !seen {
				s.storySeen = append(s.storySeen, p.Story.ID)
			}
			story := p.Story
			if story.Status == "" {
				story.Status = models.StoryStatusNotStarted
			}
			s.stories[story.ID] = &story
			if epic := s.epics[story.EpicID]; epic != nil && !contains(epic.StoryIDs, story.ID) {
				epic.StoryIDs = append(epic.StoryIDs, story.ID)
			}
		}

	case TypeDeveloperStarted:
		var p DeveloperStartedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			if st := s.stories[p.StoryID]; st != nil && !st.Status.Terminal() {
				st.Status = models.StoryStatusCodeGenerating
				if p.Branch != "" {
					st.BranchName = p.Branch
				}
			}
		}

	case TypeStoryCompleted:
		var p StoryCompletedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			if st := s.stories[p.StoryID]; st != nil {
				st.Status = models.StoryStatusCompleted
				at := evt.Timestamp
				st.CompletedAt = &at
			}
			if p.Developer != nil {
				s.lastOutput[p.StoryID] = p.Developer
			}
		}

	case TypeStoryFailed:
		var p StoryFailedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			if st := s.stories[p.StoryID]; st != nil {
				if p.Rejected || p.Category == models.FailureJudgeRejected {
					st.Status = models.StoryStatusRejected
				} else {
					st.Status = models.StoryStatusFailed
				}
			}
		}

	case TypeStoryConflictPreserved:
		var p StoryConflictPreservedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			if st := s.stories[p.StoryID]; st != nil {
				st.Status = models.StoryStatusMergeConflict
				if p.Branch != "" {
					st.BranchName = p.Branch
				}
			}
		}

	case TypeDevelopersCompleted:
		var p DevelopersCompletedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			at := evt.Timestamp
			s.DevelopersCompletedAt = &at
			s.Summary = &p
		}
	}
}

func contains(list []string, v string) bool {
	for _, it := range list {
		if it == v {
			return true
		}
	}
	return false
}
