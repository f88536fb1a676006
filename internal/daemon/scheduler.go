package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wikigate/veribot/internal/config"
	"github.com/wikigate/veribot/internal/database"
)

// Scheduler runs the housekeeping jobs beside the ingestion loop: pruning
// ledger entries for users verified through the web flow, and routine
// SQLite maintenance on the shared store file.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.MaintenanceConfig
	store     database.Store
	mu        sync.Mutex
	running   bool
}

type scheduledTask struct {
	name     string
	enabled  bool
	schedule string
	run      func(ctx context.Context) error
}

// NewScheduler creates a scheduler for the configured maintenance jobs.
func NewScheduler(logger *slog.Logger, cfg *config.MaintenanceConfig, store database.Store) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    log,
		cfg:       cfg,
		store:     store,
	}, nil
}

func (s *Scheduler) tasks() []scheduledTask {
	return []scheduledTask{
		{
			name:     "prune_ledger",
			enabled:  s.cfg.PruneEnabled,
			schedule: s.cfg.PruneSchedule,
			run: func(ctx context.Context) error {
				// Clears the local hint only; the platform restriction
				// stays until explicitly lifted.
				_, err := s.store.PruneVerifiedRestrictions(ctx)
				return err
			},
		},
		{
			name:     "db_maintenance",
			enabled:  s.cfg.SQLEnabled,
			schedule: s.cfg.SQLSchedule,
			run:      s.store.RunSQLMaintenance,
		},
	}
}

// Start schedules all enabled tasks and starts the scheduler's internal
// ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	scheduledCount := 0
	for _, task := range s.tasks() {
		if !task.enabled {
			s.logger.Info("Skipping disabled task", "task_name", task.name)
			continue
		}
		if task.schedule == "" {
			s.logger.Warn("Task enabled but has empty schedule, skipping", "task_name", task.name)
			continue
		}

		taskRun := task.run
		_, err := s.scheduler.NewJob(
			gocron.CronJob(task.schedule, false),
			gocron.NewTask(
				func(ctx context.Context, name string) {
					s.logger.Info("Running scheduled task", "task_name", name)
					startTime := time.Now()
					if taskErr := taskRun(ctx); taskErr != nil {
						s.logger.Error("Scheduled task failed", "task_name", name, "error", taskErr)
					}
					s.logger.Info("Finished scheduled task", "task_name", name, "duration", time.Since(startTime))
				},
				context.Background(),
				task.name,
			),
			gocron.WithName(task.name),
		)
		if err != nil {
			s.logger.Error("Failed to schedule task", "task_name", task.name, "schedule", task.schedule, "error", err)
			continue
		}

		s.logger.Info("Scheduled task", "task_name", task.name, "schedule", task.schedule)
		scheduledCount++
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", scheduledCount)
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped gracefully.")
	}

	s.running = false
	return err
}
