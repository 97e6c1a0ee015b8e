// Package schedule repeats fresh experiment runs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/plugperf/internal/config"
)

// Job is one scheduled unit of work. Returned errors are logged and the
// schedule continues.
type Job func(ctx context.Context) error

// Status is a snapshot of the scheduler's bookkeeping.
type Status struct {
	Expr      string
	Location  string
	Runs      int
	Failures  int
	LastRun   time.Time
	LastError string
	NextRun   time.Time
}

// Scheduler runs a Job each time a cron expression fires. Runs never
// overlap: a run that outlasts its slot delays the next one.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	loc      *time.Location
	job      Job
	logger   *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	maxRuns  int

	mu     sync.Mutex
	status Status
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimer overrides time.After for tests.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		if after != nil {
			s.after = after
		}
	}
}

// WithMaxRuns stops the scheduler after n runs. Zero means unlimited.
func WithMaxRuns(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRuns = n
		}
	}
}

// NewScheduler parses cfg and binds job to it.
func NewScheduler(cfg config.ScheduleConfig, job Job, opts ...Option) (*Scheduler, error) {
	expr := strings.TrimSpace(cfg.Cron)
	if expr == "" {
		return nil, errors.New("schedule.cron is required")
	}
	if job == nil {
		return nil, errors.New("schedule job is required")
	}
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}

	s := &Scheduler{
		expr:     expr,
		schedule: parsed,
		loc:      loc,
		job:      job,
		logger:   slog.Default().With("component", "schedule"),
		now:      time.Now,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = Status{Expr: expr, Location: loc.String()}
	return s, nil
}

// Next returns the first activation strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Status returns a copy of the current bookkeeping.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run blocks until ctx is cancelled or the run limit is reached, invoking
// the job at every activation. Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := s.Next(now)
		if next.IsZero() {
			return fmt.Errorf("cron expression %q never fires", s.expr)
		}
		s.mu.Lock()
		s.status.NextRun = next
		s.mu.Unlock()
		s.logger.Info("next scheduled run", "at", next.Format(time.RFC3339), "in", next.Sub(now).Round(time.Second).String())

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(next.Sub(now)):
		}

		if done := s.runOnce(ctx); done {
			return nil
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) bool {
	started := s.now()
	s.logger.Info("scheduled run starting")
	err := s.job(ctx)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRun = started
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	runs := s.status.Runs
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled run failed", "error", err)
	} else {
		s.logger.Info("scheduled run finished", "duration", s.now().Sub(started).String())
	}
	if ctx.Err() != nil {
		return true
	}
	return s.maxRuns > 0 && runs >= s.maxRuns
}
