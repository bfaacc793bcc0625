// Package cron repeats a plan run on a cron schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as @hourly or @every 10m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// FireFunc runs one scheduled occurrence. n counts from 1.
type FireFunc func(ctx context.Context, n int) error

// Config holds the scheduler settings.
type Config struct {
	Expr   string
	Logger *slog.Logger
	// MaxRuns stops the scheduler after that many occurrences; zero means
	// run until the context ends.
	MaxRuns int
	// Immediate fires once at start before waiting for the first tick.
	Immediate bool
}

// Scheduler fires a FireFunc at each time of a cron schedule. Occurrences
// never overlap: the next time is computed after the previous one finishes,
// so ticks missed while a run was in progress are skipped.
type Scheduler struct {
	expr      string
	schedule  cronlib.Schedule
	fire      FireFunc
	logger    *slog.Logger
	maxRuns   int
	immediate bool
	now       func() time.Time
}

// NewScheduler parses cfg.Expr and returns a scheduler for fire.
func NewScheduler(cfg Config, fire FireFunc) (*Scheduler, error) {
	if fire == nil {
		return nil, errors.New("cron: fire func is required")
	}
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", cfg.Expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:      cfg.Expr,
		schedule:  sched,
		fire:      fire,
		logger:    logger,
		maxRuns:   cfg.MaxRuns,
		immediate: cfg.Immediate,
		now:       time.Now,
	}, nil
}

// Run blocks, firing occurrences until ctx ends or MaxRuns is reached. It
// returns the error of the last occurrence, or nil when ctx ended first.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cron scheduler started", "expr", s.expr, "max_runs", s.maxRuns)
	defer s.logger.Info("cron scheduler stopped")

	var lastErr error
	n := 0
	if s.immediate {
		n++
		lastErr = s.occurrence(ctx, n)
		if s.done(n) {
			return lastErr
		}
	}

	for {
		next := s.schedule.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("cron: schedule has no future occurrences", "expr", s.expr)
			return lastErr
		}
		s.logger.Info("cron: next run", "at", next, "run", n+1)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		n++
		lastErr = s.occurrence(ctx, n)
		if s.done(n) || ctx.Err() != nil {
			return lastErr
		}
	}
}

func (s *Scheduler) done(n int) bool {
	return s.maxRuns > 0 && n >= s.maxRuns
}

func (s *Scheduler) occurrence(ctx context.Context, n int) error {
	start := s.now()
	err := s.fire(ctx, n)
	if err != nil {
		s.logger.Error("cron: scheduled run failed", "run", n, "error", err, "duration", s.now().Sub(start))
		return err
	}
	s.logger.Info("cron: scheduled run finished", "run", n, "duration", s.now().Sub(start))
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
