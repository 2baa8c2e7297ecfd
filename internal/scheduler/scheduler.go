// Package scheduler runs the periodic offline maintenance jobs: expired cache
// sweeps, cache warming and queue drains.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
	"github.com/kjstillabower/weather-offline-service/internal/offline"
)

// Manager is the part of *offline.Manager the jobs use.
type Manager interface {
	CleanupCache(ctx context.Context) int
	IsOnline() bool
	State(ctx context.Context) offline.State
	ProcessOfflineQueue(ctx context.Context) (offline.DrainSummary, error)
}

// Warmer prefetches locations. *cache.Warmer implements it.
type Warmer interface {
	Warm(ctx context.Context, locations []models.Location) error
}

// Config sets the job intervals. A zero interval disables that job.
type Config struct {
	CleanupInterval time.Duration
	WarmInterval    time.Duration
	DrainInterval   time.Duration
	// JobTimeout bounds a single run of any job. Defaults to 2m.
	JobTimeout time.Duration
}

// Scheduler owns a gocron scheduler in UTC.
type Scheduler struct {
	scheduler *gocron.Scheduler
	manager   Manager
	warmer    Warmer
	locations []models.Location
	cfg       Config
	logger    *zap.Logger
}

// New creates a Scheduler. warmer may be nil when no locations are tracked.
func New(manager Manager, warmer Warmer, locations []models.Location, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		manager:   manager,
		warmer:    warmer,
		locations: locations,
		cfg:       cfg,
		logger:    observability.OrNop(logger),
	}
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// Start schedules the enabled jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	jobs := []job{
		{"cleanup", s.cfg.CleanupInterval, s.runCleanup},
		{"drain", s.cfg.DrainInterval, s.runDrain},
	}
	if s.warmer != nil && len(s.locations) > 0 {
		jobs = append(jobs, job{"warm", s.cfg.WarmInterval, s.runWarm})
	}

	scheduled := 0
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		run := job.run
		if _, err := s.scheduler.Every(job.interval).Tag(job.name).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %s job: %w", job.name, err)
		}
		s.logger.Info("scheduled job", zap.String("job", job.name), zap.Duration("interval", job.interval))
		scheduled++
	}
	if scheduled == 0 {
		s.logger.Info("scheduler: no jobs enabled")
		return nil
	}
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if n := s.manager.CleanupCache(ctx); n > 0 {
		s.logger.Info("expired cache entries removed", zap.Int("removed", n))
	}
}

// runWarm refreshes tracked locations; skipped while offline since every
// fetch would only be queued.
func (s *Scheduler) runWarm(ctx context.Context) {
	if !s.manager.IsOnline() {
		s.logger.Debug("cache warming skipped while offline")
		return
	}
	if err := s.warmer.Warm(ctx, s.locations); err != nil {
		s.logger.Warn("cache warming failed", zap.Error(err))
	}
}

// runDrain catches queue items left behind when a reconnect drain was
// interrupted or items were queued while online.
func (s *Scheduler) runDrain(ctx context.Context) {
	if !s.manager.IsOnline() || s.manager.State(ctx).QueueSize == 0 {
		return
	}
	if _, err := s.manager.ProcessOfflineQueue(ctx); err != nil {
		s.logger.Warn("scheduled queue drain ended early", zap.Error(err))
	}
}
