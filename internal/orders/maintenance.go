package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Scanned int
	Applied int
	// Skipped counts orders another writer moved between the scan and the update.
	Skipped int
}

const staleCancelReason = "expired: no payment received"

// CancelStale cancels PENDING and PAYMENT_PENDING orders untouched since cutoff.
func (s *Service) CancelStale(ctx context.Context, cutoff time.Time, limit int) (SweepResult, error) {
	rows, err := s.repo.WithTx(s.db.Conn(ctx)).ListStale(ctx,
		[]enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusPaymentPending}, cutoff, limit)
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale orders")
	}
	return s.sweep(ctx, rows, func(order models.Order) error {
		_, err := s.Cancel(ctx, CancelInput{TenantID: order.TenantID, OrderID: order.ID, Reason: staleCancelReason})
		return err
	})
}

// CompleteReady completes READY orders untouched since cutoff.
func (s *Service) CompleteReady(ctx context.Context, cutoff time.Time, limit int) (SweepResult, error) {
	rows, err := s.repo.WithTx(s.db.Conn(ctx)).ListStale(ctx, []enums.OrderStatus{enums.OrderStatusReady}, cutoff, limit)
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ready orders")
	}
	return s.sweep(ctx, rows, func(order models.Order) error {
		_, err := s.Transition(ctx, TransitionInput{TenantID: order.TenantID, OrderID: order.ID, To: enums.OrderStatusCompleted})
		return err
	})
}

// RecommitStuck re-runs the inventory commit for PAID orders whose commit
// never landed. It returns the ids it fixed so the caller can alert on them.
func (s *Service) RecommitStuck(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.repo.WithTx(s.db.Conn(ctx)).ListUncommittedPaid(ctx, cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stuck orders")
	}

	var (
		fixed []uuid.UUID
		errs  error
	)
	for _, order := range rows {
		var committed bool
		err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			res, err := s.inventory.CommitTx(ctx, tx, order.ID)
			committed = res.Committed
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if committed {
			fixed = append(fixed, order.ID)
			s.RecordChange(ctx, &Change{
				Order:              &order,
				From:               order.Status,
				To:                 order.Status,
				Reason:             "inventory commit recovered",
				InventoryCommitted: true,
			})
		}
	}
	return fixed, errs
}

func (s *Service) sweep(ctx context.Context, rows []models.Order, apply func(models.Order) error) (SweepResult, error) {
	result := SweepResult{Scanned: len(rows)}
	var errs error
	for _, order := range rows {
		err := apply(order)
		switch {
		case err == nil:
			result.Applied++
		case pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition), pkgerrors.IsCode(err, pkgerrors.CodeStateConflict):
			result.Skipped++
		default:
			errs = multierr.Append(errs, err)
		}
	}
	return result, errs
}
