// Package scheduler dispatches recurring prompts to registered chats using
// cron expressions. Jobs come from configuration; firing a job is exactly
// like the chat asking for the prompt itself, so scheduled work flows through
// the same task pipeline, locks, and rate limits.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jmerkel/devbridge/pkg/devbridge/config"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
	"github.com/jmerkel/devbridge/pkg/devbridge/task"
)

// Scheduler runs config-defined cron jobs against the task manager.
type Scheduler struct {
	sessions *session.Registry
	tasks    *task.Manager
	cron     *cron.Cron
	logger   *slog.Logger

	// running guards against a job firing while its previous run is
	// still dispatching.
	mu      sync.Mutex
	running map[string]bool
}

// New creates a scheduler and registers all enabled jobs. Invalid cron
// expressions are logged and skipped; one bad job must not block the rest.
func New(cfg config.SchedulerConfig, sessions *session.Registry, tasks *task.Manager, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sessions: sessions,
		tasks:    tasks,
		cron:     cron.New(),
		logger:   logger.With("component", "scheduler"),
		running:  make(map[string]bool),
	}

	registered := 0
	for i, job := range cfg.Jobs {
		if job.Schedule == "" || job.Chat == "" || job.Prompt == "" {
			s.logger.Warn("skipping incomplete scheduled job", "index", i)
			continue
		}
		id := fmt.Sprintf("job-%d", i)
		j := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.fire(id, j) }); err != nil {
			s.logger.Warn("invalid cron expression, job skipped",
				"index", i, "schedule", job.Schedule, "err", err)
			continue
		}
		registered++
	}

	if registered == 0 && len(cfg.Jobs) > 0 {
		return s, fmt.Errorf("no valid scheduled jobs out of %d configured", len(cfg.Jobs))
	}
	s.logger.Info("scheduler ready", "jobs", registered)
	return s, nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing jobs; already-dispatched tasks keep running.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// fire dispatches one scheduled prompt. Unregistered targets are skipped:
// the scheduler never creates sessions on its own.
func (s *Scheduler) fire(id string, job config.ScheduledJob) {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		s.logger.Warn("scheduled job still running, skipping fire", "job", id)
		return
	}
	s.running[id] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	if !s.sessions.IsActive(job.Chat) {
		s.logger.Warn("scheduled job targets unregistered chat, skipping",
			"job", id, "chat", job.Chat)
		return
	}

	s.logger.Info("scheduled job firing", "job", id, "chat", job.Chat)
	s.tasks.Dispatch(job.Chat, job.Prompt, "")
}
