// Package janitor runs the periodic maintenance jobs: purging event and
// checkpoint data for long-finished tasks, and sweeping orphaned task
// workspaces off disk.
package janitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/forgeline/gaffer/internal/checkpoint"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/workspace"
)

// Defaults for the maintenance cadence and retention.
const (
	DefaultInterval     = 1 * time.Hour
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultWorkspaceTTL = 48 * time.Hour
)

// Config tunes the janitor. Zero values take the defaults.
type Config struct {
	// Interval is how often maintenance runs.
	Interval time.Duration
	// Retention is how long finished tasks keep their events and checkpoints.
	Retention time.Duration
	// WorkspaceTTL is how long an untouched task workspace survives.
	WorkspaceTTL time.Duration
}

// Janitor owns the gocron scheduler and the maintenance jobs.
type Janitor struct {
	scheduler   gocron.Scheduler
	events      *events.Log
	checkpoints *checkpoint.Store
	workspaces  *workspace.Manager
	cfg         Config
}

// New creates a janitor over the event log, checkpoint store and workspace
// manager. Checkpoints and workspaces may be nil.
func New(eventLog *events.Log, checkpoints *checkpoint.Store, workspaces *workspace.Manager, cfg Config) (*Janitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.WorkspaceTTL <= 0 {
		cfg.WorkspaceTTL = DefaultWorkspaceTTL
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	j := &Janitor{
		scheduler:   s,
		events:      eventLog,
		checkpoints: checkpoints,
		workspaces:  workspaces,
		cfg:         cfg,
	}

	if _, err := s.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(j.purgeFinishedTasks),
		gocron.WithName("purge-finished-tasks"),
	); err != nil {
		return nil, fmt.Errorf("schedule purge job: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(j.sweepWorkspaces),
		gocron.WithName("sweep-workspaces"),
	); err != nil {
		return nil, fmt.Errorf("schedule sweep job: %w", err)
	}

	return j, nil
}

// Start begins periodic maintenance.
func (j *Janitor) Start() {
	log.Printf("[janitor] starting (interval %s, retention %s, workspace ttl %s)",
		j.cfg.Interval, j.cfg.Retention, j.cfg.WorkspaceTTL)
	j.scheduler.Start()
}

// Shutdown stops the scheduler, waiting for a running job to finish.
func (j *Janitor) Shutdown() error {
	return j.scheduler.Shutdown()
}

// RunOnce executes both maintenance jobs immediately, outside the schedule.
func (j *Janitor) RunOnce() {
	j.purgeFinishedTasks()
	j.sweepWorkspaces()
}

func (j *Janitor) purgeFinishedTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Checkpoints go first: if the event purge fails mid-way we would
	// rather have orphaned events than checkpoints with no event history.
	if j.checkpoints != nil {
		taskIDs, err := j.events.ListFinishedTasks(ctx, j.cfg.Retention)
		if err != nil {
			log.Printf("[janitor] cannot list finished tasks: %v", err)
			return
		}
		for _, taskID := range taskIDs {
			if err := j.checkpoints.PurgeTask(taskID); err != nil {
				log.Printf("[janitor] cannot purge checkpoints for %s: %v", taskID, err)
			}
		}
	}

	n, err := j.events.PurgeFinishedTasks(ctx, j.cfg.Retention)
	if err != nil {
		log.Printf("[janitor] purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[janitor] purged %d events of finished tasks older than %s", n, j.cfg.Retention)
	}
}

func (j *Janitor) sweepWorkspaces() {
	if j.workspaces == nil {
		return
	}
	swept, err := j.workspaces.SweepOrphans(j.cfg.WorkspaceTTL)
	if err != nil {
		log.Printf("[janitor] workspace sweep failed: %v", err)
		return
	}
	if len(swept) > 0 {
		log.Printf("[janitor] swept %d orphaned workspaces: %v", len(swept), swept)
	}
}
