package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/changelog"
	"data-sync-bridge/internal/syncengine"
)

// Scheduler drives periodic reconciliation and change log pruning. The
// sync engine itself has no timer; this is the only component that
// triggers it on a schedule.
type Scheduler struct {
	engine    *syncengine.Engine
	log       *changelog.Log
	schedule  string
	window    time.Duration
	retention time.Duration
	logger    *logrus.Entry
	cron      *cron.Cron
}

// New creates a scheduler. schedule is a cron spec (e.g. "@every 5m"),
// window the reconciliation maxAge, retention the change log horizon.
func New(engine *syncengine.Engine, log *changelog.Log, schedule string, window, retention time.Duration, logger *logrus.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}

	return &Scheduler{
		engine:    engine,
		log:       log,
		schedule:  schedule,
		window:    window,
		retention: retention,
		logger:    logger.WithField("component", "scheduler"),
	}, nil
}

// Start begins the periodic jobs. Safe to call once.
func (s *Scheduler) Start() error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.schedule, s.RunSync); err != nil {
		return fmt.Errorf("failed to schedule sync job: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", s.RunPrune); err != nil {
		return fmt.Errorf("failed to schedule prune job: %w", err)
	}

	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("Sync scheduler started")
	return nil
}

// Stop halts the periodic jobs, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Sync scheduler stopped")
}

// RunSync executes one reconciliation pass. Exposed so an explicit trigger
// (CLI, API) shares the same path as the timer.
func (s *Scheduler) RunSync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	results, err := s.engine.SyncAllTables(ctx, s.window)
	if err != nil {
		if errors.Is(err, syncengine.ErrRemoteUnavailable) {
			s.logger.Debug("Skipping scheduled sync, remote unreachable")
		} else {
			s.logger.WithError(err).Error("Scheduled sync failed")
		}
		return
	}

	s.logger.WithField("tables", len(results)).Info("Scheduled sync completed")
}

// RunPrune trims old change log entries.
func (s *Scheduler) RunPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.log.Prune(ctx, s.retention); err != nil {
		s.logger.WithError(err).Error("Change log pruning failed")
	}
}
