package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRolloverSchedule fires every minute so a rollover lands within
// the minute after each tenant's local midnight.
const DefaultRolloverSchedule = "@every 1m"

// Scheduler runs Governor.Rollover in the background on a cron schedule.
type Scheduler struct {
	governor *Governor
	schedule string
	logger   Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a rollover scheduler. An empty schedule uses DefaultRolloverSchedule.
func NewScheduler(governor *Governor, schedule string) *Scheduler {
	if schedule == "" {
		schedule = DefaultRolloverSchedule
	}
	logger := withComponent(governor.logger, "rollover")
	return &Scheduler{
		governor: governor,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
	}
}

// Start validates the schedule and starts the background job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", s.schedule, err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunNow(jobCtx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule rollover: %w", err)
	}

	s.cancel = cancel
	s.cron.Start()
	s.running = true
	s.logger.Info("rollover scheduler started", Field{"schedule", s.schedule})
	return nil
}

// RunNow performs one rollover sweep synchronously.
func (s *Scheduler) RunNow(ctx context.Context) {
	start := time.Now()
	if err := s.governor.Rollover(ctx); err != nil {
		s.logger.Error("rollover sweep failed", errField(err))
		return
	}
	s.logger.Debug("rollover sweep completed", Field{"duration", time.Since(start).String()})
}

// Stop stops the scheduler and waits for a running sweep to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	done := s.cron.Stop()
	<-done.Done()
	for _, e := range s.cron.Entries() {
		s.cron.Remove(e.ID)
	}
	s.cancel()
	s.running = false
	s.logger.Info("rollover scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
