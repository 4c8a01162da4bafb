package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

const (
	defaultDispatchPasses      = 10
	defaultIdempotencyBatch    = 500
	defaultHeartbeatStaleAfter = 30 * time.Minute
)

type batchDispatcher interface {
	DispatchBatch(ctx context.Context) (outbox.BatchResult, error)
}

// NewOutboxDispatchJob drains due outbox rows, a bounded number of batches
// per run.
func NewOutboxDispatchJob(logg *logger.Logger, dispatcher batchDispatcher, maxPasses int) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if maxPasses <= 0 {
		maxPasses = defaultDispatchPasses
	}
	return &outboxDispatchJob{logg: logg, dispatcher: dispatcher, maxPasses: maxPasses}, nil
}

type outboxDispatchJob struct {
	logg       *logger.Logger
	dispatcher batchDispatcher
	maxPasses  int
}

func (j *outboxDispatchJob) Name() string { return "outbox-dispatch" }

func (j *outboxDispatchJob) Run(ctx context.Context) error {
	var total outbox.BatchResult
	for pass := 0; pass < j.maxPasses; pass++ {
		res, err := j.dispatcher.DispatchBatch(ctx)
		total.Claimed += res.Claimed
		total.Sent += res.Sent
		total.Retried += res.Retried
		total.Failed += res.Failed
		if err != nil {
			return fmt.Errorf("dispatch outbox: %w", err)
		}
		if res.Claimed == 0 {
			break
		}
	}
	if total.Claimed > 0 {
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"claimed": total.Claimed,
			"sent":    total.Sent,
			"retried": total.Retried,
			"failed":  total.Failed,
		})
		j.logg.Info(logCtx, "outbox dispatch pass complete")
	}
	return nil
}

type expiredKeyPurger interface {
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

func NewIdempotencyCleanupJob(logg *logger.Logger, purger expiredKeyPurger, batch int) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if purger == nil {
		return nil, fmt.Errorf("idempotency guard required")
	}
	if batch <= 0 {
		batch = defaultIdempotencyBatch
	}
	return &idempotencyCleanupJob{logg: logg, purger: purger, batch: batch, now: time.Now}, nil
}

type idempotencyCleanupJob struct {
	logg   *logger.Logger
	purger expiredKeyPurger
	batch  int
	now    func() time.Time
}

func (j *idempotencyCleanupJob) Name() string { return "idempotency-key-cleanup" }

func (j *idempotencyCleanupJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var purged int64
	for pass := 0; pass < maxRetentionPasses; pass++ {
		n, err := j.purger.PurgeExpired(ctx, now, j.batch)
		if err != nil {
			return fmt.Errorf("purge idempotency keys: %w", err)
		}
		purged += n
		if n < int64(j.batch) {
			break
		}
	}
	j.logg.Info(j.logg.WithField(ctx, "rows_deleted", purged), "idempotency key cleanup complete")
	return nil
}

type staleHeartbeatLister interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]models.JobHeartbeat, error)
}

// NewStaleHeartbeatJob alerts on jobs that have not succeeded within
// staleAfter. Its own heartbeat is excluded.
func NewStaleHeartbeatJob(logg *logger.Logger, heartbeats staleHeartbeatLister, alerter alerts.Alerter, staleAfter time.Duration) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if heartbeats == nil {
		return nil, fmt.Errorf("heartbeat repository required")
	}
	if alerter == nil {
		alerter = alerts.Nop{}
	}
	if staleAfter <= 0 {
		staleAfter = defaultHeartbeatStaleAfter
	}
	return &staleHeartbeatJob{logg: logg, heartbeats: heartbeats, alerter: alerter, staleAfter: staleAfter, now: time.Now}, nil
}

type staleHeartbeatJob struct {
	logg       *logger.Logger
	heartbeats staleHeartbeatLister
	alerter    alerts.Alerter
	staleAfter time.Duration
	now        func() time.Time
}

func (j *staleHeartbeatJob) Name() string { return "stale-job-heartbeat" }

func (j *staleHeartbeatJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.staleAfter)
	rows, err := j.heartbeats.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale heartbeats: %w", err)
	}
	stale := 0
	for _, hb := range rows {
		if hb.JobName == j.Name() {
			continue
		}
		stale++
		fields := map[string]any{
			"job":                  hb.JobName,
			"consecutive_failures": hb.ConsecutiveFailures,
			"stale_after":          j.staleAfter.String(),
		}
		if hb.LastSuccessAt != nil {
			fields["last_success_at"] = hb.LastSuccessAt.UTC()
		}
		if hb.LastError != nil {
			fields["last_error"] = *hb.LastError
		}
		j.alerter.Raise(ctx, "Background job has not succeeded recently", fields,
			alerts.Options{Level: enums.AlertWarning, Scope: "cron.heartbeat"})
	}
	j.logg.Info(j.logg.WithField(ctx, "stale_jobs", stale), "heartbeat scan complete")
	return nil
}
