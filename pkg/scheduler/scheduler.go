// Package scheduler drives a task periodically, either with a fixed delay
// between the end of one run and the start of the next, or on a cron
// expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dbreader/pkg/logger"
)

// Task is one scheduled run. Errors are logged; they never stop the loop.
type Task func(ctx context.Context) error

type Config struct {
	// Interval is the fixed delay between runs.
	Interval time.Duration
	// InitialDelay postpones the first run in fixed-delay mode.
	InitialDelay time.Duration
	// Schedule is a standard five-field cron expression (or descriptor
	// such as "@every 30s"). When set it replaces the fixed delay.
	Schedule string
}

type Scheduler struct {
	cfg      Config
	task     Task
	logger   *zap.Logger
	schedule cron.Schedule
}

func New(cfg Config, task Task, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{cfg: cfg, task: task, logger: log}

	if cfg.Schedule != "" {
		sched, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid processing schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = sched
		return s, nil
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be positive")
	}
	return s, nil
}

// Run blocks until ctx is cancelled. A run in progress is allowed to finish
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	if s.schedule != nil {
		s.runCron(ctx)
		return
	}
	s.runFixedDelay(ctx)
}

func (s *Scheduler) runFixedDelay(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("initial_delay", s.cfg.InitialDelay))

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
			s.execute(ctx)
			// The delay starts after the run completes.
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) {
	cronLog := cron.PrintfLogger(logger.Printf{L: s.logger})
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.execute(ctx) }))

	s.logger.Info("scheduler started", zap.String("schedule", s.cfg.Schedule))
	c.Start()
	<-ctx.Done()

	// Wait for a running job to complete.
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) execute(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.task(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("scheduled run failed", zap.Error(err))
	}
}
