package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

type heartbeatRecorder interface {
	RecordSuccess(ctx context.Context, job string, at time.Time) error
	RecordFailure(ctx context.Context, job string, at time.Time, cause error) error
}

// RunnerParams configure the job runner.
type RunnerParams struct {
	Logger      *logger.Logger
	Metrics     *metrics.CronJobMetrics
	Heartbeats  heartbeatRecorder
	Alerter     alerts.Alerter
	MaxAttempts int
	RetryDelay  time.Duration
}

// Runner executes one job with a bounded number of attempts. Every attempt is
// logged and counted; a job that fails every attempt raises a critical alert
// instead of returning its error.
type Runner struct {
	logg        *logger.Logger
	metrics     *metrics.CronJobMetrics
	heartbeats  heartbeatRecorder
	alerter     alerts.Alerter
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRunner(params RunnerParams) (*Runner, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	r := &Runner{
		logg:        params.Logger,
		metrics:     params.Metrics,
		heartbeats:  params.Heartbeats,
		alerter:     params.Alerter,
		maxAttempts: params.MaxAttempts,
		retryDelay:  params.RetryDelay,
		now:         time.Now,
		sleep:       sleepContext,
	}
	if r.alerter == nil {
		r.alerter = alerts.Nop{}
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.retryDelay <= 0 {
		r.retryDelay = defaultRetryDelay
	}
	return r, nil
}

// Run executes job until it succeeds or the attempts run out. Only context
// cancellation is returned to the caller.
func (r *Runner) Run(ctx context.Context, job Job) error {
	name := job.Name()
	jobCtx := r.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})
	backoff := retry.WithMaxRetries(uint64(r.maxAttempts-1), retry.NewConstant(r.retryDelay))

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptCtx := r.logg.WithField(jobCtx, "attempt", attempt)
		start := time.Now()
		err := job.Run(attemptCtx)
		took := time.Since(start)
		r.metrics.ObserveDuration(name, took)
		attemptCtx = r.logg.WithField(attemptCtx, "duration_ms", took.Milliseconds())

		if err == nil {
			r.logg.Info(attemptCtx, "job completed")
			r.metrics.IncSuccess(name)
			r.heartbeat(attemptCtx, name, nil)
			return nil
		}
		lastErr = err
		r.metrics.IncFailure(name)
		if ctx.Err() != nil {
			r.logg.Warn(attemptCtx, "job interrupted by shutdown")
			return ctx.Err()
		}

		delay, stop := backoff.Next()
		if stop {
			r.logg.Error(attemptCtx, "job attempt failed", err)
			break
		}
		r.logg.Error(r.logg.WithField(attemptCtx, "retry_in_ms", delay.Milliseconds()), "job attempt failed; retrying", err)
		r.metrics.IncRetry(name)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.metrics.IncExhausted(name)
	r.heartbeat(jobCtx, name, lastErr)
	r.alerter.Raise(jobCtx, "Background job exhausted retries", map[string]any{
		"job":      name,
		"attempts": r.maxAttempts,
		"error":    lastErr.Error(),
	}, alerts.Options{Level: enums.AlertCritical, Scope: "cron.runner"})
	return nil
}

func (r *Runner) heartbeat(ctx context.Context, name string, cause error) {
	if r.heartbeats == nil {
		return
	}
	// Heartbeats outlive a cancelled run.
	hbCtx := context.WithoutCancel(ctx)
	var err error
	if cause == nil {
		err = r.heartbeats.RecordSuccess(hbCtx, name, r.now().UTC())
	} else {
		err = r.heartbeats.RecordFailure(hbCtx, name, r.now().UTC(), cause)
	}
	if err != nil {
		r.logg.Error(ctx, "record job heartbeat", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
