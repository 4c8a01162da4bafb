// Package payments records provider and cashier payments against orders and
// settles an order once the collected amount covers its total.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/audit"
	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/internal/providers"
	"github.com/angelmondragon/commerce-core/internal/statemachine"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

const uniqueProviderRef = "ux_payments_provider_ref"

// ServiceParams groups the payment service collaborators.
type ServiceParams struct {
	DB         txRunner
	Repository *Repository
	Orders     OrderTransitioner
	Providers  AdapterResolver
	Outbox     outboxEnqueuer
	Audit      audit.Recorder
	Alerts     alerts.Alerter
	Logger     *logger.Logger
}

type Service struct {
	db        txRunner
	repo      *Repository
	orders    OrderTransitioner
	providers AdapterResolver
	outbox    outboxEnqueuer
	audit     audit.Recorder
	alerts    alerts.Alerter
	logg      *logger.Logger
	now       func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	if p.DB == nil {
		return nil, errors.New("transaction runner required")
	}
	if p.Repository == nil {
		return nil, errors.New("payments repository required")
	}
	if p.Orders == nil {
		return nil, errors.New("order transitioner required")
	}
	if p.Providers == nil {
		return nil, errors.New("provider registry required")
	}
	if p.Outbox == nil {
		return nil, errors.New("outbox enqueuer required")
	}
	if p.Audit == nil {
		p.Audit = audit.Nop{}
	}
	if p.Alerts == nil {
		p.Alerts = alerts.Nop{}
	}
	return &Service{
		db:        p.DB,
		repo:      p.Repository,
		orders:    p.Orders,
		providers: p.Providers,
		outbox:    p.Outbox,
		audit:     p.Audit,
		alerts:    p.Alerts,
		logg:      p.Logger,
		now:       time.Now,
	}, nil
}

// Create asks the provider for an intent and records a PENDING payment. The
// provider call happens before the local transaction; the capacity check is
// repeated under the order row lock.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Payment, error) {
	if in.TenantID == uuid.Nil || in.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant and order are required")
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if !in.Provider.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupportedProvider, "unknown payment provider").
			WithDetails(map[string]string{"provider": in.Provider.String()})
	}
	adapter, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	reader := s.repo.WithTx(s.db.Conn(ctx))
	order, err := reader.FindOrder(ctx, in.TenantID, in.OrderID)
	if err != nil {
		return nil, orderLookupError(err)
	}
	currency, err := matchCurrency(in.Currency, order.Currency)
	if err != nil {
		return nil, err
	}
	if err := checkCapacity(ctx, reader, order, in.Amount, in.IsPartial); err != nil {
		return nil, err
	}

	paymentID := uuid.New()
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = paymentID.String()
	}
	metadata := map[string]string{
		"payment_id": paymentID.String(),
		"order_id":   order.ID.String(),
		"tenant_id":  order.TenantID.String(),
	}
	for k, v := range in.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}
	intent, err := adapter.CreateIntent(ctx, providers.IntentRequest{
		Amount:         in.Amount,
		Currency:       currency,
		PaymentMethod:  in.PaymentMethod,
		Metadata:       metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	var payment *models.Payment
	eff := &effects{}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		eff.reset()
		repo := s.repo.WithTx(tx)
		locked, err := repo.LockOrder(ctx, in.TenantID, in.OrderID)
		if err != nil {
			return orderLookupError(err)
		}
		if err := checkCapacity(ctx, repo, locked, in.Amount, in.IsPartial); err != nil {
			return err
		}

		payment = &models.Payment{
			ID:               paymentID,
			OrderID:          locked.ID,
			TenantID:         locked.TenantID,
			Amount:           in.Amount,
			Currency:         currency,
			Status:           enums.PaymentStatusPending,
			IsPartial:        in.IsPartial,
			Provider:         in.Provider,
			ProviderSnapshot: intent.Snapshot,
		}
		if ref := strings.TrimSpace(intent.ProviderRef); ref != "" {
			payment.ProviderRef = &ref
		}
		if err := repo.CreatePayment(ctx, payment); err != nil {
			if db.IsUniqueViolation(err, uniqueProviderRef) {
				return pkgerrors.New(pkgerrors.CodeConflict, "provider reference already recorded")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
		}

		if locked.Status == enums.OrderStatusPending {
			change, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
				TenantID: locked.TenantID,
				OrderID:  locked.ID,
				To:       enums.OrderStatusPaymentPending,
				ActorID:  in.ActorID,
			})
			if err != nil {
				return err
			}
			eff.changes = append(eff.changes, change)
		}
		if err := s.enqueuePayment(ctx, tx, enums.EventPaymentCreated, payment, "", in.ActorID); err != nil {
			return err
		}
		eff.audits = append(eff.audits, audit.Entry{
			ActorID:    in.ActorID,
			Action:     "payment.created",
			TargetType: audit.TargetPayment,
			TargetID:   payment.ID,
			Context: map[string]any{
				"order_id": payment.OrderID.String(),
				"amount":   payment.Amount.StringFixed(2),
				"provider": payment.Provider,
				"partial":  payment.IsPartial,
			},
		})

		// Some providers settle synchronously.
		if intent.Status != "" && intent.Status != enums.PaymentStatusPending {
			if _, err := s.applyTx(ctx, tx, payment, statusUpdate{Status: intent.Status, Source: "create"}, in.ActorID, eff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.logg != nil {
			logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, in.OrderID.String()), map[string]any{
				"provider":     in.Provider,
				"provider_ref": intent.ProviderRef,
			})
			s.logg.Error(logCtx, "payment.record_failed_after_provider_intent", err)
		}
		return nil, err
	}
	s.flush(ctx, eff)
	return payment, nil
}

func (s *Service) Get(ctx context.Context, tenantID, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.WithTx(s.db.Conn(ctx)).FindPayment(ctx, tenantID, paymentID)
	if err != nil {
		return nil, paymentLookupError(err)
	}
	return payment, nil
}

// ListForOrder returns the order's payments with settled and outstanding amounts.
func (s *Service) ListForOrder(ctx context.Context, tenantID, orderID uuid.UUID) (*OrderPayments, error) {
	repo := s.repo.WithTx(s.db.Conn(ctx))
	order, err := repo.FindOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, orderLookupError(err)
	}
	list, cashier, err := repo.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments")
	}
	settled, err := repo.SettledAmount(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum settled payments")
	}
	outstanding := order.TotalAmount.Sub(settled)
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	return &OrderPayments{
		OrderID:     order.ID,
		Total:       order.TotalAmount,
		Settled:     settled,
		Outstanding: outstanding,
		Payments:    list,
		Cashier:     cashier,
	}, nil
}

// Refund refunds a PAID payment through its provider. A provider that
// completes asynchronously leaves the payment PAID until its callback arrives.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*models.Payment, error) {
	payment, err := s.repo.WithTx(s.db.Conn(ctx)).FindPayment(ctx, in.TenantID, in.PaymentID)
	if err != nil {
		return nil, paymentLookupError(err)
	}
	if err := statemachine.AssertPaymentTransition(payment.Status, enums.PaymentStatusRefunded); err != nil {
		return nil, err
	}
	if payment.ProviderRef == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no provider reference")
	}
	amount := in.Amount
	if amount.IsZero() {
		amount = payment.Amount
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(payment.Amount) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds payment amount")
	}

	adapter, err := s.providers.Get(payment.Provider)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = "refund:" + payment.ID.String()
	}
	res, err := adapter.Refund(ctx, providers.RefundRequest{
		ProviderRef:    *payment.ProviderRef,
		Amount:         amount,
		Currency:       payment.Currency,
		Reason:         in.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	eff := &effects{}
	eff.audits = append(eff.audits, audit.Entry{
		ActorID:    in.ActorID,
		Action:     "payment.refund_requested",
		TargetType: audit.TargetPayment,
		TargetID:   payment.ID,
		Context: map[string]any{
			"amount":        amount.StringFixed(2),
			"refund_ref":    res.RefundRef,
			"reason":        in.Reason,
			"refund_status": res.Status,
		},
	})

	switch res.Status {
	case enums.PaymentStatusFailed:
		s.flush(ctx, eff)
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "provider declined refund").
			WithDetails(map[string]string{"refund_ref": res.RefundRef})
	case enums.PaymentStatusRefunded:
		err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
			eff.reset()
			locked, err := s.repo.WithTx(tx).LockPayment(ctx, in.TenantID, in.PaymentID)
			if err != nil {
				return paymentLookupError(err)
			}
			if _, err := s.applyTx(ctx, tx, locked, statusUpdate{
				Status:   enums.PaymentStatusRefunded,
				Snapshot: res.Snapshot,
				Source:   "refund",
			}, in.ActorID, eff); err != nil {
				return err
			}
			payment = locked
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	s.flush(ctx, eff)
	return payment, nil
}

// Retry puts a FAILED payment back to PENDING, provided the order still has room for it.
func (s *Service) Retry(ctx context.Context, ref PaymentRef) (*models.Payment, error) {
	var payment *models.Payment
	eff := &effects{}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		eff.reset()
		repo := s.repo.WithTx(tx)
		locked, err := repo.LockPayment(ctx, ref.TenantID, ref.PaymentID)
		if err != nil {
			return paymentLookupError(err)
		}
		if err := statemachine.AssertPaymentTransition(locked.Status, enums.PaymentStatusPending); err != nil {
			return err
		}
		order, err := repo.LockOrder(ctx, locked.TenantID, locked.OrderID)
		if err != nil {
			return orderLookupError(err)
		}
		if err := checkCapacity(ctx, repo, order, locked.Amount, true); err != nil {
			return err
		}
		if _, err := s.applyTx(ctx, tx, locked, statusUpdate{Status: enums.PaymentStatusPending, Source: "retry"}, ref.ActorID, eff); err != nil {
			return err
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

// Sync pulls the provider's current status and applies it. Providers without
// a remote view report an empty status and leave the payment untouched.
func (s *Service) Sync(ctx context.Context, ref PaymentRef) (*models.Payment, error) {
	payment, err := s.repo.WithTx(s.db.Conn(ctx)).FindPayment(ctx, ref.TenantID, ref.PaymentID)
	if err != nil {
		return nil, paymentLookupError(err)
	}
	if payment.ProviderRef == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no provider reference")
	}
	adapter, err := s.providers.Get(payment.Provider)
	if err != nil {
		return nil, err
	}
	res, err := adapter.Lookup(ctx, *payment.ProviderRef)
	if err != nil {
		return nil, err
	}
	if res.Status == "" || res.Status == payment.Status {
		return payment, nil
	}

	eff := &effects{}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		eff.reset()
		locked, err := s.repo.WithTx(tx).LockPayment(ctx, ref.TenantID, ref.PaymentID)
		if err != nil {
			return paymentLookupError(err)
		}
		if _, err := s.applyTx(ctx, tx, locked, statusUpdate{
			Status:        res.Status,
			Snapshot:      res.Snapshot,
			FailureReason: "provider reported failure on sync",
			Source:        "sync",
		}, ref.ActorID, eff); err != nil {
			return err
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

// applyTx moves a locked payment to upd.Status. Re-applying the current
// status is a no-op, which keeps provider retries and sync idempotent.
func (s *Service) applyTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, upd statusUpdate, actorID *uuid.UUID, eff *effects) (bool, error) {
	from := payment.Status
	if upd.Status == "" || upd.Status == from {
		return false, nil
	}
	if err := statemachine.AssertPaymentTransition(from, upd.Status); err != nil {
		return false, err
	}

	now := s.now().UTC()
	updates := map[string]any{"status": upd.Status}
	if len(upd.Snapshot) > 0 {
		updates["provider_snapshot"] = upd.Snapshot
		payment.ProviderSnapshot = upd.Snapshot
	}
	switch upd.Status {
	case enums.PaymentStatusPaid:
		updates["paid_at"] = now
		payment.PaidAt = &now
	case enums.PaymentStatusFailed:
		reason := strings.TrimSpace(upd.FailureReason)
		if reason == "" {
			reason = "provider reported failure"
		}
		updates["failure_reason"] = reason
		payment.FailureReason = &reason
	case enums.PaymentStatusRefunded:
		updates["refunded_at"] = now
		payment.RefundedAt = &now
	case enums.PaymentStatusPending:
		updates["failure_reason"] = nil
		payment.FailureReason = nil
	}

	ok, err := s.repo.WithTx(tx).UpdatePaymentStatus(ctx, payment.ID, from, updates)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment status")
	}
	if !ok {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "payment status changed concurrently")
	}
	payment.Status = upd.Status

	if eventType, ok := paymentEvent(upd.Status); ok {
		if err := s.enqueuePayment(ctx, tx, eventType, payment, from, actorID); err != nil {
			return false, err
		}
	}
	eff.audits = append(eff.audits, audit.Entry{
		ActorID:    actorID,
		Action:     "payment.status_changed",
		TargetType: audit.TargetPayment,
		TargetID:   payment.ID,
		Context: map[string]any{
			"from":   from,
			"to":     upd.Status,
			"source": upd.Source,
		},
	})

	if upd.Status == enums.PaymentStatusPaid {
		if err := s.settleTx(ctx, tx, payment.TenantID, payment.OrderID, actorID, eff); err != nil {
			return false, err
		}
	}
	return true, nil
}

// settleTx marks the order PAID, committing its inventory in the same
// transaction, once settled payments cover the total.
func (s *Service) settleTx(ctx context.Context, tx *gorm.DB, tenantID, orderID uuid.UUID, actorID *uuid.UUID, eff *effects) error {
	repo := s.repo.WithTx(tx)
	order, err := repo.LockOrder(ctx, tenantID, orderID)
	if err != nil {
		return orderLookupError(err)
	}
	settled, err := repo.SettledAmount(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum settled payments")
	}
	if settled.LessThan(order.TotalAmount) {
		return nil
	}

	fields := map[string]any{
		"order_id": order.ID.String(),
		"total":    order.TotalAmount.StringFixed(2),
		"settled":  settled.StringFixed(2),
	}
	switch order.Status {
	case enums.OrderStatusPending, enums.OrderStatusPaymentPending:
		steps := []enums.OrderStatus{enums.OrderStatusPaid}
		if order.Status == enums.OrderStatusPending {
			steps = []enums.OrderStatus{enums.OrderStatusPaymentPending, enums.OrderStatusPaid}
		}
		for _, to := range steps {
			change, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
				TenantID: tenantID,
				OrderID:  orderID,
				To:       to,
				ActorID:  actorID,
			})
			if err != nil {
				return err
			}
			eff.changes = append(eff.changes, change)
		}
		if settled.GreaterThan(order.TotalAmount) {
			eff.raise("Order overpaid", fields, alerts.Options{Level: enums.AlertWarning, Scope: "payments.settle"})
		}
	case enums.OrderStatusCancelled:
		eff.raise("Payment settled on cancelled order", fields, alerts.Options{Level: enums.AlertCritical, Scope: "payments.settle"})
	}
	return nil
}

func (s *Service) enqueuePayment(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, payment *models.Payment, from enums.PaymentStatus, actorID *uuid.UUID) error {
	order, err := s.repo.WithTx(tx).FindOrder(ctx, payment.TenantID, payment.OrderID)
	if err != nil {
		return orderLookupError(err)
	}
	data := PaymentEventData{
		PaymentID:      payment.ID,
		OrderID:        payment.OrderID,
		Amount:         payment.Amount.StringFixed(2),
		Currency:       payment.Currency,
		Status:         payment.Status,
		PreviousStatus: from,
		Provider:       payment.Provider,
		IsPartial:      payment.IsPartial,
	}
	if payment.ProviderRef != nil {
		data.ProviderRef = *payment.ProviderRef
	}
	if payment.FailureReason != nil {
		data.FailureReason = *payment.FailureReason
	}
	_, err = s.outbox.Enqueue(ctx, tx, outbox.Event{
		TenantID:   payment.TenantID,
		StoreID:    order.StoreID,
		Type:       eventType,
		Actor:      outbox.Actor(actorID, ""),
		Data:       data,
		OccurredAt: s.now().UTC(),
	})
	return err
}

func paymentEvent(status enums.PaymentStatus) (enums.OutboxEventType, bool) {
	switch status {
	case enums.PaymentStatusPaid:
		return enums.EventPaymentPaid, true
	case enums.PaymentStatusFailed:
		return enums.EventPaymentFailed, true
	case enums.PaymentStatusRefunded:
		return enums.EventPaymentRefunded, true
	}
	return "", false
}

// checkCapacity rejects amounts that would push claimed payments past the order total.
func checkCapacity(ctx context.Context, repo *Repository, order *models.Order, amount decimal.Decimal, partial bool) error {
	if order.Status != enums.OrderStatusPending && order.Status != enums.OrderStatusPaymentPending {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment").
			WithDetails(map[string]string{"status": order.Status.String()})
	}
	claimed, err := repo.ClaimedAmount(ctx, order.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum order payments")
	}
	outstanding := order.TotalAmount.Sub(claimed)
	details := map[string]string{"outstanding": outstanding.StringFixed(2)}
	if amount.GreaterThan(outstanding) {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment exceeds outstanding order balance").WithDetails(details)
	}
	if !partial && !amount.Equal(outstanding) {
		return pkgerrors.New(pkgerrors.CodeValidation, "non-partial payment must cover the outstanding balance").WithDetails(details)
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount has more than two decimals")
	}
	return nil
}

func matchCurrency(requested, orderCurrency enums.Currency) (enums.Currency, error) {
	if requested == "" {
		return orderCurrency, nil
	}
	if requested != orderCurrency {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "currency must match the order currency")
	}
	return requested, nil
}

func orderLookupError(err error) error {
	if isNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
}

func paymentLookupError(err error) error {
	if isNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
}
