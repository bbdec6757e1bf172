// Package scheduler runs the janitor: a periodic sweep that removes build
// workspaces and logs older than the configured retention.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/flux/internal/config"
	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/workspace"
)

// Config controls the janitor. A zero Every or Retention disables it.
type Config struct {
	Every     time.Duration
	Retention time.Duration
	// Jitter spreads sweeps so several instances sharing a disk do not align.
	Jitter time.Duration
}

// FromGlobalConfig derives janitor settings from the service config.
func FromGlobalConfig(c *config.Config) Config {
	return Config{
		Every:     c.JanitorEvery,
		Retention: c.BuildRetention,
		Jitter:    c.JanitorEvery / 10,
	}
}

// Enabled reports whether sweeps will run.
func (c Config) Enabled() bool {
	return c.Every > 0 && c.Retention > 0
}

// SweptEvent is the payload of janitor.swept.
type SweptEvent struct {
	DeletedDirs int    `json:"deleted_dirs"`
	DeletedLogs int    `json:"deleted_logs"`
	Retention   string `json:"retention"`
}

// Scheduler runs retention sweeps on an interval.
type Scheduler struct {
	cfg      Config
	cleaner  WorkspaceCleaner
	events   Publisher
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg Config, cleaner WorkspaceCleaner, hub Publisher, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(16)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		cleaner: cleaner,
		events:  hub,
		logger:  logger.With("component", "janitor"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled() {
		s.logger.Info("janitor disabled", "every", s.cfg.Every, "retention", s.cfg.Retention)
		return nil
	}
	s.logger.Info("starting janitor", "every", s.cfg.Every, "retention", s.cfg.Retention)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the loop and waits for a sweep in progress. Safe to call more
// than once or without Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	timer := time.NewTimer(calculateJitteredInterval(s.cfg.Every, s.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(calculateJitteredInterval(s.cfg.Every, s.cfg.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("workspace sweep failed", "error", err)
	}
}

// Sweep removes everything older than the retention once, regardless of
// the interval.
func (s *Scheduler) Sweep(ctx context.Context) (workspace.CleanupReport, error) {
	report, err := s.cleaner.Cleanup(ctx, s.cfg.Retention)
	if report.DeletedDirs > 0 || report.DeletedLogs > 0 {
		s.events.Publish(events.JanitorSwept, SweptEvent{
			DeletedDirs: report.DeletedDirs,
			DeletedLogs: report.DeletedLogs,
			Retention:   s.cfg.Retention.String(),
		})
		s.logger.Info("removed expired workspaces", "dirs", report.DeletedDirs, "logs", report.DeletedLogs)
	} else {
		s.logger.Debug("nothing to remove")
	}
	return report, err
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
