// Package orders owns the order lifecycle: placement with stock reservation,
// state-machine driven transitions and the inventory side effects of each move.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/audit"
	"github.com/angelmondragon/commerce-core/internal/inventory"
	"github.com/angelmondragon/commerce-core/internal/statemachine"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

const (
	maxOrderItems        = 100
	defaultCancelReason  = "cancelled"
	maxCancelReasonBytes = 500
)

type Service struct {
	db        txRunner
	repo      *Repository
	inventory InventoryCoordinator
	outbox    outboxEnqueuer
	audit     audit.Recorder
	logg      *logger.Logger
	now       func() time.Time
}

// NewService builds the order service with the required dependencies.
func NewService(db txRunner, repo *Repository, inv InventoryCoordinator, ob outboxEnqueuer, rec audit.Recorder, logg *logger.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("transaction runner required")
	}
	if repo == nil {
		return nil, errors.New("orders repository required")
	}
	if inv == nil {
		return nil, errors.New("inventory coordinator required")
	}
	if ob == nil {
		return nil, errors.New("outbox enqueuer required")
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{
		db:        db,
		repo:      repo,
		inventory: inv,
		outbox:    ob,
		audit:     rec,
		logg:      logg,
		now:       time.Now,
	}, nil
}

// Create validates the request, inserts a PENDING order with its items,
// reserves stock for every line and queues order.created, all in one transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Order, error) {
	order, err := buildOrder(input)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		scope := inventory.Scope{TenantID: order.TenantID, StoreID: order.StoreID}
		if err := s.inventory.ReserveTx(ctx, tx, scope, inventory.LinesFromItems(order.Items)); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, enums.EventOrderCreated, order, "", "", input.ActorID)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:    input.ActorID,
		Action:     "order.created",
		TargetType: audit.TargetOrder,
		TargetID:   order.ID,
		Context: map[string]any{
			"total_amount": order.TotalAmount.StringFixed(2),
			"currency":     order.Currency,
			"items":        len(order.Items),
		},
	})
	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order created")
	}
	return order, nil
}

func (s *Service) Get(ctx context.Context, tenantID, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.WithTx(s.db.Conn(ctx)).Find(ctx, tenantID, orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter ListFilter) (*OrderList, error) {
	if tenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant is required")
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order status")
	}
	list, err := s.repo.WithTx(s.db.Conn(ctx)).List(ctx, tenantID, filter)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return list, nil
}

// Transition moves an order along the state machine. PAID is reachable only
// through settled payments, never directly.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (*models.Order, error) {
	if input.To == enums.OrderStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "orders become PAID through settled payments")
	}
	var change *Change
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		change, err = s.TransitionTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.RecordChange(ctx, change)
	return change.Order, nil
}

// Cancel moves the order to CANCELLED and returns its reservation to stock.
func (s *Service) Cancel(ctx context.Context, input CancelInput) (*models.Order, error) {
	return s.Transition(ctx, TransitionInput{
		TenantID: input.TenantID,
		OrderID:  input.OrderID,
		To:       enums.OrderStatusCancelled,
		ActorID:  input.ActorID,
		Reason:   input.Reason,
	})
}

// TransitionTx performs the move inside tx: row-locked read, state machine
// check, inventory side effects, conditional status update and the outbox
// event. The caller records the returned Change once tx has committed.
func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*Change, error) {
	if input.TenantID == uuid.Nil || input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant and order are required")
	}
	if !input.To.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order status")
	}

	repo := s.repo.WithTx(tx)
	order, err := repo.Lock(ctx, input.TenantID, input.OrderID)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
	}

	from := order.Status
	if err := statemachine.AssertOrderTransition(from, input.To); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	change := &Change{From: from, To: input.To, ActorID: input.ActorID}
	updates := map[string]any{"status": input.To}

	switch input.To {
	case enums.OrderStatusCancelled:
		res, err := s.inventory.ReleaseTx(ctx, tx, order.ID)
		if err != nil {
			return nil, err
		}
		change.InventoryReleased = res.Released
		change.Reason = cancelReason(input.Reason)
		updates["cancel_reason"] = change.Reason
		updates["cancelled_at"] = now
	case enums.OrderStatusPaid:
		updates["paid_at"] = now
	case enums.OrderStatusCompleted:
		if !order.InventoryCommitted {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "inventory not committed for order")
		}
		updates["completed_at"] = now
	}

	// A PAID order whose commit was missed gets it now, while it is still PAID.
	if from == enums.OrderStatusPaid && input.To != enums.OrderStatusCancelled && !order.InventoryCommitted {
		res, err := s.inventory.CommitTx(ctx, tx, order.ID)
		if err != nil {
			return nil, err
		}
		change.InventoryCommitted = res.Committed
	}

	ok, err := repo.UpdateStatus(ctx, order.ID, from, updates)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order status changed concurrently")
	}

	if input.To == enums.OrderStatusPaid {
		res, err := s.inventory.CommitTx(ctx, tx, order.ID)
		if err != nil {
			return nil, err
		}
		change.InventoryCommitted = res.Committed
	}

	fresh, err := repo.Find(ctx, input.TenantID, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	change.Order = fresh

	if err := s.enqueue(ctx, tx, eventForStatus(input.To), fresh, from, change.Reason, input.ActorID); err != nil {
		return nil, err
	}
	return change, nil
}

// RecordChange writes the audit entry for a committed transition.
func (s *Service) RecordChange(ctx context.Context, change *Change) {
	if change == nil || change.Order == nil {
		return
	}
	entryCtx := map[string]any{
		"from": change.From,
		"to":   change.To,
	}
	if change.Reason != "" {
		entryCtx["reason"] = change.Reason
	}
	if change.InventoryCommitted {
		entryCtx["inventory_committed"] = true
	}
	if change.InventoryReleased {
		entryCtx["inventory_released"] = true
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:    change.ActorID,
		Action:     "order.status_changed",
		TargetType: audit.TargetOrder,
		TargetID:   change.Order.ID,
		Context:    entryCtx,
	})
	if s.logg != nil {
		logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, change.Order.ID.String()), map[string]any{
			"from": change.From,
			"to":   change.To,
		})
		s.logg.Info(logCtx, "order transitioned")
	}
}

func (s *Service) enqueue(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, order *models.Order, from enums.OrderStatus, reason string, actorID *uuid.UUID) error {
	now := s.now().UTC()
	data := OrderEventData{
		OrderID:        order.ID,
		StoreID:        order.StoreID,
		Status:         order.Status,
		PreviousStatus: from,
		TotalAmount:    order.TotalAmount.StringFixed(2),
		Currency:       order.Currency,
		Reason:         reason,
		OccurredAt:     now,
	}
	if eventType == enums.EventOrderCreated {
		for _, item := range order.Items {
			data.Items = append(data.Items, OrderEventItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice.StringFixed(2),
			})
		}
	}
	_, err := s.outbox.Enqueue(ctx, tx, outbox.Event{
		TenantID:   order.TenantID,
		StoreID:    order.StoreID,
		Type:       eventType,
		Actor:      outbox.Actor(actorID, ""),
		Data:       data,
		OccurredAt: now,
	})
	return err
}

func eventForStatus(status enums.OrderStatus) enums.OutboxEventType {
	switch status {
	case enums.OrderStatusPaid:
		return enums.EventOrderPaid
	case enums.OrderStatusCancelled:
		return enums.EventOrderCancelled
	case enums.OrderStatusCompleted:
		return enums.EventOrderCompleted
	default:
		return enums.EventOrderStatus
	}
}

func cancelReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return defaultCancelReason
	}
	if len(reason) > maxCancelReasonBytes {
		reason = reason[:maxCancelReasonBytes]
	}
	return reason
}

func buildOrder(input CreateInput) (*models.Order, error) {
	if input.TenantID == uuid.Nil || input.StoreID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant and store are required")
	}
	currency := input.Currency
	if currency == "" {
		currency = enums.CurrencyUSD
	}
	if !currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency")
	}
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order requires at least one item")
	}
	if len(input.Items) > maxOrderItems {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "too many order items")
	}

	order := &models.Order{
		TenantID: input.TenantID,
		StoreID:  input.StoreID,
		Status:   enums.OrderStatusPending,
		Currency: currency,
	}
	total := decimal.Zero
	for i, item := range input.Items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required").
				WithDetails(map[string]int{"item": i})
		}
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive").
				WithDetails(map[string]int{"item": i})
		}
		if item.UnitPrice.IsNegative() || !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unit price must be a non-negative amount with at most two decimals").
				WithDetails(map[string]int{"item": i})
		}
		line := models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
		total = total.Add(line.LineTotal())
		order.Items = append(order.Items, line)
	}
	if !total.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive")
	}
	order.TotalAmount = total
	return order, nil
}
