package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/ratelimit"
)

const (
	defaultBatchSize       = 50
	defaultMaxAttempts     = 10
	defaultBackoffCap      = 10 * time.Minute
	defaultDeliveryTimeout = 15 * time.Second
)

// Backoff is the delay before retry number attempts: attempts² seconds,
// capped at limit.
func Backoff(attempts int, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	// attempts² overflows long before this matters; clamp first.
	if attempts > 1<<15 {
		return limit
	}
	d := time.Duration(attempts*attempts) * time.Second
	if d > limit {
		return limit
	}
	return d
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type deliveryMetrics interface {
	ObserveDelivery(transport, result string, took time.Duration)
	SetBacklog(n int)
	SetQueueDepth(status string, n int64)
}

type DispatcherParams struct {
	DB              txRunner
	Repository      *Repository
	Deliverers      map[enums.DeliveryTransport]Deliverer
	Limits          *ratelimit.Registry
	Alerter         alerts.Alerter
	Metrics         deliveryMetrics
	Logger          *logger.Logger
	BatchSize       int
	MaxAttempts     int
	BackoffCap      time.Duration
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

// Dispatcher delivers due outbox rows. Rows are claimed in a short
// transaction and delivered after it commits, so no lock is held across a
// network call.
type Dispatcher struct {
	db              txRunner
	repo            *Repository
	deliverers      map[enums.DeliveryTransport]Deliverer
	limits          *ratelimit.Registry
	alerter         alerts.Alerter
	metrics         deliveryMetrics
	logg            *logger.Logger
	batchSize       int
	maxAttempts     int
	backoffCap      time.Duration
	deliveryTimeout time.Duration
	now             func() time.Time
}

// BatchResult counts the outcome of one dispatch pass.
type BatchResult struct {
	Claimed int
	Sent    int
	Retried int
	Failed  int
}

func NewDispatcher(p DispatcherParams) (*Dispatcher, error) {
	if p.DB == nil {
		return nil, errors.New("database is required")
	}
	if p.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if len(p.Deliverers) == 0 {
		return nil, errors.New("at least one deliverer is required")
	}
	d := &Dispatcher{
		db:              p.DB,
		repo:            p.Repository,
		deliverers:      p.Deliverers,
		limits:          p.Limits,
		alerter:         p.Alerter,
		metrics:         p.Metrics,
		logg:            p.Logger,
		batchSize:       p.BatchSize,
		maxAttempts:     p.MaxAttempts,
		backoffCap:      p.BackoffCap,
		deliveryTimeout: p.DeliveryTimeout,
		now:             p.Now,
	}
	if d.alerter == nil {
		d.alerter = alerts.Nop{}
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.backoffCap <= 0 {
		d.backoffCap = defaultBackoffCap
	}
	if d.deliveryTimeout <= 0 {
		d.deliveryTimeout = defaultDeliveryTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// DispatchBatch runs one pass. The returned error only reports claim or
// bookkeeping failures; delivery failures are recorded on their rows.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (BatchResult, error) {
	var result BatchResult
	rows, err := d.claim(ctx)
	if err != nil {
		return result, err
	}
	result.Claimed = len(rows)
	if d.metrics != nil {
		d.metrics.SetBacklog(len(rows))
		defer d.reportDepth(ctx)
	}
	if len(rows) == 0 {
		return result, nil
	}

	subIDs := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		subIDs = append(subIDs, row.SubscriptionID)
	}
	subs, err := d.repo.SubscriptionsByID(ctx, subIDs)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscriptions")
	}

	var errs error
	for _, row := range rows {
		if ctx.Err() != nil {
			// Leased rows become due again once the lease expires.
			return result, multierr.Append(errs, ctx.Err())
		}
		sub, ok := subs[row.SubscriptionID]
		var outcome string
		var markErr error
		if !ok || !sub.Active {
			outcome, markErr = d.deadLetter(ctx, row, sub, row.Attempts+1, errors.New("subscription missing or inactive"))
		} else {
			outcome, markErr = d.deliver(ctx, row, sub)
		}
		switch outcome {
		case resultSent:
			result.Sent++
		case resultRetry:
			result.Retried++
		case resultFailed:
			result.Failed++
		}
		errs = multierr.Append(errs, markErr)
	}
	return result, errs
}

const (
	resultSent   = "sent"
	resultRetry  = "retry"
	resultFailed = "failed"
)

func (d *Dispatcher) claim(ctx context.Context) ([]models.WebhookOutbox, error) {
	var rows []models.WebhookOutbox
	now := d.now().UTC()
	err := d.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		rows, err = d.repo.FetchDueTx(tx, now, d.batchSize)
		if err != nil || len(rows) == 0 {
			return err
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		return d.repo.LeaseTx(tx, ids, now.Add(d.lease()))
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim outbox rows")
	}
	return rows, nil
}

// lease covers the per-row delivery timeout for the whole batch plus slack.
func (d *Dispatcher) lease() time.Duration {
	return d.deliveryTimeout*time.Duration(d.batchSize) + time.Minute
}

func (d *Dispatcher) deliver(ctx context.Context, row models.WebhookOutbox, sub models.WebhookSubscription) (string, error) {
	attempt := row.Attempts + 1
	deliverer, ok := d.deliverers[sub.Transport]
	if !ok {
		return d.deadLetter(ctx, row, sub, attempt, fmt.Errorf("no deliverer for transport %q", sub.Transport))
	}

	if err := d.limits.Wait(ctx, limiterKey(sub.Transport, sub.Endpoint)); err != nil {
		return "", err
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	start := time.Now()
	err := deliverer.Deliver(deliveryCtx, Delivery{
		ID:        row.ID,
		EventType: row.EventType,
		Payload:   row.Payload,
		Endpoint:  sub.Endpoint,
		Secret:    sub.Secret,
		Attempt:   attempt,
	})
	cancel()
	took := time.Since(start)

	if err == nil {
		d.observe(sub.Transport, resultSent, took)
		if markErr := d.repo.MarkSent(ctx, row.ID, d.now().UTC()); markErr != nil {
			return resultSent, fmt.Errorf("mark sent %s: %w", row.ID, markErr)
		}
		d.log(ctx, row, sub, attempt, nil, "outbox delivery sent")
		return resultSent, nil
	}

	if attempt >= d.maxAttempts {
		d.observe(sub.Transport, resultFailed, took)
		return d.deadLetter(ctx, row, sub, attempt, err)
	}

	d.observe(sub.Transport, resultRetry, took)
	next := d.now().UTC().Add(Backoff(attempt, d.backoffCap))
	if markErr := d.repo.MarkRetry(ctx, row.ID, attempt, next, err); markErr != nil {
		return resultRetry, fmt.Errorf("mark retry %s: %w", row.ID, markErr)
	}
	d.log(ctx, row, sub, attempt, err, "outbox delivery failed, retry scheduled")
	return resultRetry, nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, row models.WebhookOutbox, sub models.WebhookSubscription, attempt int, cause error) (string, error) {
	if markErr := d.repo.MarkFailed(ctx, row.ID, attempt, cause); markErr != nil {
		return resultFailed, fmt.Errorf("mark failed %s: %w", row.ID, markErr)
	}
	d.log(ctx, row, sub, attempt, cause, "outbox delivery dead-lettered")
	d.alerter.Raise(ctx, "outbox delivery dead-lettered", map[string]any{
		"outbox_id":       row.ID.String(),
		"tenant_id":       row.TenantID.String(),
		"subscription_id": row.SubscriptionID.String(),
		"event_type":      string(row.EventType),
		"attempts":        attempt,
		"error":           cause.Error(),
	}, alerts.Options{Level: enums.AlertCritical, Scope: "outbox." + row.SubscriptionID.String()})
	return resultFailed, nil
}

// reportDepth publishes the row count per status. Statuses with no rows are
// reported as zero so a drained queue is visible.
func (d *Dispatcher) reportDepth(ctx context.Context) {
	counts, err := d.repo.CountByStatus(ctx)
	if err != nil {
		if d.logg != nil {
			d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "outbox.depth_failed")
		}
		return
	}
	for _, status := range enums.OutboxStatuses() {
		d.metrics.SetQueueDepth(string(status), counts[status])
	}
}

func (d *Dispatcher) observe(transport enums.DeliveryTransport, result string, took time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveDelivery(string(transport), result, took)
	}
}

func (d *Dispatcher) log(ctx context.Context, row models.WebhookOutbox, sub models.WebhookSubscription, attempt int, err error, msg string) {
	if d.logg == nil {
		return
	}
	logCtx := d.logg.WithFields(ctx, map[string]any{
		"outbox_id":       row.ID.String(),
		"event_type":      string(row.EventType),
		"subscription_id": row.SubscriptionID.String(),
		"transport":       string(sub.Transport),
		"attempt":         attempt,
	})
	if err == nil {
		d.logg.Info(logCtx, msg)
		return
	}
	d.logg.Warn(d.logg.WithField(logCtx, "error", err.Error()), msg)
}
