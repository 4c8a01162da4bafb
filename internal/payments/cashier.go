package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/audit"
	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/internal/statemachine"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

const maxNotesBytes = 2000

// DeclareCashier records money a cashier says was collected. It only counts
// toward settlement once RECONCILED.
func (s *Service) DeclareCashier(ctx context.Context, in CashierInput) (*models.CashierPayment, error) {
	if in.TenantID == uuid.Nil || in.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant and order are required")
	}
	if in.DeclaredBy == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "declaring actor is required")
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}

	var payment *models.CashierPayment
	eff := &effects{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		eff.reset()
		repo := s.repo.WithTx(tx)
		order, err := repo.LockOrder(ctx, in.TenantID, in.OrderID)
		if err != nil {
			return orderLookupError(err)
		}
		currency, err := matchCurrency(in.Currency, order.Currency)
		if err != nil {
			return err
		}
		if err := checkCapacity(ctx, repo, order, in.Amount, true); err != nil {
			return err
		}

		payment = &models.CashierPayment{
			OrderID:    order.ID,
			TenantID:   order.TenantID,
			Amount:     in.Amount,
			Currency:   currency,
			Status:     enums.CashierStatusDeclared,
			DeclaredBy: in.DeclaredBy,
			Notes:      appendNote(nil, in.Notes),
		}
		if err := repo.CreateCashier(ctx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create cashier payment")
		}

		actor := in.DeclaredBy
		if order.Status == enums.OrderStatusPending {
			change, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
				TenantID: order.TenantID,
				OrderID:  order.ID,
				To:       enums.OrderStatusPaymentPending,
				ActorID:  &actor,
			})
			if err != nil {
				return err
			}
			eff.changes = append(eff.changes, change)
		}
		if err := s.enqueueCashier(ctx, tx, order.StoreID, payment, "", actor); err != nil {
			return err
		}
		eff.audits = append(eff.audits, audit.Entry{
			ActorID:    &actor,
			Action:     "cashier_payment.declared",
			TargetType: audit.TargetCashierPayment,
			TargetID:   payment.ID,
			Context: map[string]any{
				"order_id": order.ID.String(),
				"amount":   payment.Amount.StringFixed(2),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, eff)
	return payment, nil
}

// TransitionCashier moves a cashier payment along its audit path. Reaching
// RECONCILED may settle the order.
func (s *Service) TransitionCashier(ctx context.Context, in CashierTransitionInput) (*models.CashierPayment, error) {
	if in.TenantID == uuid.Nil || in.CashierPaymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant and cashier payment are required")
	}
	if in.ActorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor is required")
	}
	if !in.To.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown cashier payment status")
	}

	var payment *models.CashierPayment
	eff := &effects{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		eff.reset()
		repo := s.repo.WithTx(tx)
		locked, err := repo.LockCashier(ctx, in.TenantID, in.CashierPaymentID)
		if err != nil {
			if isNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "cashier payment not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cashier payment")
		}
		from := locked.Status
		if err := statemachine.AssertCashierTransition(from, in.To); err != nil {
			return err
		}

		actor := in.ActorID
		updates := map[string]any{"status": in.To}
		if (in.To == enums.CashierStatusVerified || in.To == enums.CashierStatusReconciled) && locked.VerifiedBy == nil {
			updates["verified_by"] = actor
			locked.VerifiedBy = &actor
		}
		if strings.TrimSpace(in.Notes) != "" {
			locked.Notes = appendNote(locked.Notes, in.Notes)
			updates["notes"] = *locked.Notes
		}
		ok, err := repo.UpdateCashierStatus(ctx, locked.ID, from, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cashier payment")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "cashier payment changed concurrently")
		}
		locked.Status = in.To

		order, err := repo.FindOrder(ctx, locked.TenantID, locked.OrderID)
		if err != nil {
			return orderLookupError(err)
		}
		if err := s.enqueueCashier(ctx, tx, order.StoreID, locked, from, actor); err != nil {
			return err
		}
		eff.audits = append(eff.audits, audit.Entry{
			ActorID:    &actor,
			Action:     "cashier_payment.status_changed",
			TargetType: audit.TargetCashierPayment,
			TargetID:   locked.ID,
			Context: map[string]any{
				"from": from,
				"to":   in.To,
			},
		})

		if in.To == enums.CashierStatusReconciled {
			if err := s.settleTx(ctx, tx, locked.TenantID, locked.OrderID, &actor, eff); err != nil {
				return err
			}
		}
		payment = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, eff)
	return payment, nil
}

func (s *Service) enqueueCashier(ctx context.Context, tx *gorm.DB, storeID uuid.UUID, payment *models.CashierPayment, from enums.CashierPaymentStatus, actor uuid.UUID) error {
	_, err := s.outbox.Enqueue(ctx, tx, outbox.Event{
		TenantID: payment.TenantID,
		StoreID:  storeID,
		Type:     enums.EventCashierRecorded,
		Actor:    outbox.Actor(&actor, "cashier"),
		Data: CashierEventData{
			CashierPaymentID: payment.ID,
			OrderID:          payment.OrderID,
			Amount:           payment.Amount.StringFixed(2),
			Currency:         payment.Currency,
			Status:           payment.Status,
			PreviousStatus:   from,
			DeclaredBy:       payment.DeclaredBy,
			VerifiedBy:       payment.VerifiedBy,
		},
		OccurredAt: s.now().UTC(),
	})
	return err
}

func appendNote(existing *string, note string) *string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	out := note
	if existing != nil && *existing != "" {
		out = *existing + "\n" + note
	}
	if len(out) > maxNotesBytes {
		out = out[len(out)-maxNotesBytes:]
	}
	return &out
}
