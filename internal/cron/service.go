package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const defaultInterval = time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Runner   *Runner
	Interval time.Duration
}

// Service executes registered cron jobs on a fixed cadence. Only the
// instance holding the lock runs a cycle.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	runner   *Runner
	interval time.Duration
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	runner := params.Runner
	if runner == nil {
		var err error
		runner, err = NewRunner(RunnerParams{Logger: params.Logger})
		if err != nil {
			return nil, err
		}
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		runner:   runner,
		interval: interval,
	}, nil
}

// Run executes a cycle immediately and then once per interval until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if err := s.runCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logg.Error(ctx, "scheduled run failed", err)
	}
}

// runCycle runs every registered job in order while holding the leader
// lock. The lease is renewed before each job; a lost lease ends the cycle so
// two instances never run jobs concurrently.
func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Info(ctx, "another cron instance is running; skipping this cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()

	started := time.Now()
	jobs := s.registry.Jobs()
	for i, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 {
			held, err := s.lock.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("lock refresh: %w", err)
			}
			if !held {
				return fmt.Errorf("cron lock lost before %q", job.Name())
			}
		}
		if err := s.runner.Run(ctx, job); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "job", job.Name()), "job run cut short")
		}
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"jobs":       len(jobs),
		"durationMs": time.Since(started).Milliseconds(),
	}), "scheduled run complete")
	return nil
}
