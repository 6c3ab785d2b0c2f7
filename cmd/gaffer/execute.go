package main

import (
	"context"
	"fmt"
	"log"

	"github.com/fatih/color"

	"github.com/forgeline/gaffer/internal/classify"
	"github.com/forgeline/gaffer/internal/coordinator"
	"github.com/forgeline/gaffer/internal/events"
	"github.com/forgeline/gaffer/internal/janitor"
	"github.com/forgeline/gaffer/internal/metrics"
	"github.com/forgeline/gaffer/internal/pipeline"
	"github.com/forgeline/gaffer/pkg/models"
)

// executeTask prepares the workspace and drives the task through the
// coordinator. Shared by run and resume; by this point the event log holds
// the task's epics and stories.
func executeTask(ctx context.Context, rt *runtime, task models.Task) error {
	cfg := rt.cfg

	workspaceDir, err := rt.workspaces.Prepare(ctx, task.ID, task.Repositories)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	if _, err := rt.sandbox.Create(ctx, task.ID, workspaceDir); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer func() {
		if derr := rt.sandbox.Destroy(context.WithoutCancel(ctx), task.ID); derr != nil {
			log.Printf("[gaffer] sandbox teardown: %v", derr)
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer srv.Close()
		log.Printf("[gaffer] metrics on %s/metrics", cfg.Metrics.Addr)
	}

	if cfg.Janitor.Interval > 0 {
		j, jerr := janitor.New(rt.events, rt.checkpoints, rt.workspaces, janitor.Config{
			Interval:     cfg.Janitor.Interval,
			Retention:    cfg.Events.Retention,
			WorkspaceTTL: cfg.Janitor.WorkspaceTTL,
		})
		if jerr != nil {
			log.Printf("[gaffer] janitor unavailable: %v", jerr)
		} else {
			j.Start()
			defer func() {
				if serr := j.Shutdown(); serr != nil {
					log.Printf("[gaffer] janitor shutdown: %v", serr)
				}
			}()
		}
	}

	pipe := pipeline.New(pipeline.Deps{
		Events:      rt.events,
		Checkpoints: rt.checkpoints,
		Git:         rt.git,
		Sandbox:     rt.sandbox,
		Runner:      rt.runner,
		Notifier:    rt.notifier,
		Debug:       rt.debug,
		Limits: classify.Limits{
			Network: cfg.Classifier.NetworkRetries,
			API:     cfg.Classifier.APIRetries,
			Timeout: cfg.Classifier.TimeoutRetries,
			Git:     cfg.Classifier.GitRetries,
			Unknown: cfg.Classifier.UnknownRetries,
		},
		DeveloperTimeout:  cfg.Agent.DeveloperTimeout,
		JudgeTimeout:      cfg.Agent.JudgeTimeout,
		ResolverTimeout:   cfg.Agent.ResolverTimeout,
		BuildTimeout:      cfg.Sandbox.ExecTimeout,
		ConflictFailAfter: cfg.Conflict.FailAfter,
		WatchWorkspace:    true,
	})

	coord := coordinator.New(coordinator.Deps{
		Events:     rt.events,
		Git:        rt.git,
		Runner:     pipe,
		Notifier:   rt.notifier,
		Debug:      rt.debug,
		MaxCostUSD: cfg.Budget.MaxCostPerTask,
	})

	summary, err := coord.Run(ctx, task, workspaceDir)
	printSummary(task.ID, summary)

	if retainWorkspace(summary, err) {
		log.Printf("[gaffer] workspace %s retained for inspection", workspaceDir)
	} else if derr := rt.workspaces.Destroy(task.ID); derr != nil {
		log.Printf("[gaffer] workspace teardown: %v", derr)
	}

	if err != nil {
		return err
	}
	if summary.Failed {
		return fmt.Errorf("task %s failed: %s", task.ID, summary.Error)
	}
	return nil
}

// retainWorkspace reports whether the task directory should outlive the run
// so a human can inspect failures or resolve held conflicts in place. The
// janitor's TTL sweep reclaims retained directories eventually.
func retainWorkspace(summary *events.DevelopersCompletedPayload, runErr error) bool {
	if runErr != nil || summary == nil {
		return true
	}
	return summary.Failed || summary.FailedCount > 0 || summary.Conflicts > 0
}

func printSummary(taskID string, summary *events.DevelopersCompletedPayload) {
	if summary == nil {
		return
	}
	fmt.Println()
	if summary.Failed {
		color.Red("✗ task %s failed: %s", taskID, summary.Error)
	} else {
		color.Green("✓ task %s complete", taskID)
	}
	fmt.Printf("  stories merged:  %d\n", summary.StoriesImplemented)
	if summary.FailedCount > 0 {
		color.Red("  stories failed:  %d", summary.FailedCount)
	}
	if summary.Conflicts > 0 {
		color.Yellow("  conflicts held:  %d (resolve and resume)", summary.Conflicts)
	}
	fmt.Printf("  total cost:      $%.2f\n", summary.TotalCostUSD)
}
