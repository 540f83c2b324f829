package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled run. It must return once ctx is cancelled.
type Job func(ctx context.Context)

// Scheduler fires a job on a cron schedule. Runs never overlap: fire times that
// pass while a job is still running are skipped.
type Scheduler struct {
	schedule   cron.Schedule
	job        Job
	logger     *slog.Logger
	runOnStart bool
	now        func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunOnStart runs the job once immediately when Start is called.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

// WithClock overrides the time source used to compute fire times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewCron parses a standard five-field cron expression and builds a scheduler for it.
func NewCron(expr string, job Job, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return New(schedule, job, logger, opts...), nil
}

// New creates a scheduler for an already parsed schedule.
func New(schedule cron.Schedule, job Job, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedule: schedule,
		job:      job,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the first fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "run_on_start", s.runOnStart)

	if s.runOnStart {
		s.run(ctx)
	}

	for {
		now := s.now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			s.logger.Warn("schedule has no future fire times, scheduler exiting")
			return
		}
		s.logger.Debug("next run scheduled", "at", next.Format(time.RFC3339), "in", next.Sub(now).Round(time.Second).String())

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			s.run(ctx)
		case <-s.stopChan:
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) run(ctx context.Context) {
	select {
	case <-s.stopChan:
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "panic", r)
		}
	}()
	s.job(ctx)
}
