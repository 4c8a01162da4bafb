package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	defaultPendingOrderTTL = 30 * time.Minute
	defaultReadyOrderTTL   = 24 * time.Hour
	defaultStuckOrderAfter = 10 * time.Minute
	defaultSweepBatch      = 100
)

type orderMaintainer interface {
	CancelStale(ctx context.Context, cutoff time.Time, limit int) (orders.SweepResult, error)
	CompleteReady(ctx context.Context, cutoff time.Time, limit int) (orders.SweepResult, error)
	RecommitStuck(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// OrderJobParams configure the order maintenance jobs.
type OrderJobParams struct {
	Logger          *logger.Logger
	Orders          orderMaintainer
	Alerter         alerts.Alerter
	PendingOrderTTL time.Duration
	ReadyOrderTTL   time.Duration
	StuckOrderAfter time.Duration
	BatchSize       int
}

func (p *OrderJobParams) validate() error {
	if p.Logger == nil {
		return fmt.Errorf("logger required")
	}
	if p.Orders == nil {
		return fmt.Errorf("order service required")
	}
	if p.Alerter == nil {
		p.Alerter = alerts.Nop{}
	}
	if p.PendingOrderTTL <= 0 {
		p.PendingOrderTTL = defaultPendingOrderTTL
	}
	if p.ReadyOrderTTL <= 0 {
		p.ReadyOrderTTL = defaultReadyOrderTTL
	}
	if p.StuckOrderAfter <= 0 {
		p.StuckOrderAfter = defaultStuckOrderAfter
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultSweepBatch
	}
	return nil
}

// NewOrderJobs builds the stale-cancel, ready-complete and stuck-order jobs.
func NewOrderJobs(params OrderJobParams) ([]Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return []Job{
		&staleOrderJob{params: params, now: time.Now},
		&readyOrderJob{params: params, now: time.Now},
		&stuckOrderJob{params: params, now: time.Now},
	}, nil
}

// staleOrderJob cancels orders that never received payment, releasing their
// reservations.
type staleOrderJob struct {
	params OrderJobParams
	now    func() time.Time
}

func (j *staleOrderJob) Name() string { return "auto-cancel-stale-orders" }

func (j *staleOrderJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.params.PendingOrderTTL)
	res, err := j.params.Orders.CancelStale(ctx, cutoff, j.params.BatchSize)
	logSweep(ctx, j.params.Logger, cutoff, res, "stale orders cancelled")
	if err != nil {
		return fmt.Errorf("cancel stale orders: %w", err)
	}
	return nil
}

type readyOrderJob struct {
	params OrderJobParams
	now    func() time.Time
}

func (j *readyOrderJob) Name() string { return "auto-complete-ready-orders" }

func (j *readyOrderJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.params.ReadyOrderTTL)
	res, err := j.params.Orders.CompleteReady(ctx, cutoff, j.params.BatchSize)
	logSweep(ctx, j.params.Logger, cutoff, res, "ready orders completed")
	if err != nil {
		return fmt.Errorf("complete ready orders: %w", err)
	}
	return nil
}

// stuckOrderJob finds PAID orders whose inventory commit never landed and
// runs the commit again.
type stuckOrderJob struct {
	params OrderJobParams
	now    func() time.Time
}

func (j *stuckOrderJob) Name() string { return "stuck-order-detection" }

func (j *stuckOrderJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.params.StuckOrderAfter)
	recovered, err := j.params.Orders.RecommitStuck(ctx, cutoff, j.params.BatchSize)
	if len(recovered) > 0 {
		ids := make([]string, 0, len(recovered))
		for _, id := range recovered {
			ids = append(ids, id.String())
		}
		j.params.Alerter.Raise(ctx, "Paid orders were missing their inventory commit", map[string]any{
			"order_ids": ids,
			"count":     len(ids),
			"cutoff":    cutoff,
		}, alerts.Options{Level: enums.AlertWarning, Scope: "cron.stuck_orders"})
	}
	logCtx := j.params.Logger.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"recovered": len(recovered),
	})
	j.params.Logger.Info(logCtx, "stuck order scan complete")
	if err != nil {
		return fmt.Errorf("recommit stuck orders: %w", err)
	}
	return nil
}

func logSweep(ctx context.Context, logg *logger.Logger, cutoff time.Time, res orders.SweepResult, msg string) {
	logCtx := logg.WithFields(ctx, map[string]any{
		"cutoff":  cutoff,
		"scanned": res.Scanned,
		"applied": res.Applied,
		"skipped": res.Skipped,
	})
	logg.Info(logCtx, msg)
}
