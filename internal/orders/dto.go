package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// ItemInput is one requested order line.
type ItemInput struct {
	ProductID uuid.UUID
	Quantity  int
	UnitPrice decimal.Decimal
}

// CreateInput carries everything needed to place an order.
type CreateInput struct {
	TenantID uuid.UUID
	StoreID  uuid.UUID
	ActorID  *uuid.UUID
	Currency enums.Currency
	Items    []ItemInput
}

// TransitionInput moves an order to To. Reason is only kept for cancellations.
type TransitionInput struct {
	TenantID uuid.UUID
	OrderID  uuid.UUID
	To       enums.OrderStatus
	ActorID  *uuid.UUID
	Reason   string
}

// CancelInput is the cancellation shortcut used by the API and the stale-order job.
type CancelInput struct {
	TenantID uuid.UUID
	OrderID  uuid.UUID
	Reason   string
	ActorID  *uuid.UUID
}

// ListFilter narrows List; zero values mean "any".
type ListFilter struct {
	Status  enums.OrderStatus
	StoreID uuid.UUID
	Limit   int
	Cursor  string
}

// OrderList is one page of orders.
type OrderList struct {
	Orders     []models.Order
	NextCursor string
}

// Change describes a committed (or about to be committed) status move.
type Change struct {
	Order   *models.Order
	From    enums.OrderStatus
	To      enums.OrderStatus
	ActorID *uuid.UUID
	Reason  string
	// InventoryCommitted/InventoryReleased report what the coordinator did as part of the move.
	InventoryCommitted bool
	InventoryReleased  bool
}

// OrderEventData is the outbox payload for order events.
type OrderEventData struct {
	OrderID        uuid.UUID         `json:"order_id"`
	StoreID        uuid.UUID         `json:"store_id"`
	Status         enums.OrderStatus `json:"status"`
	PreviousStatus enums.OrderStatus `json:"previous_status,omitempty"`
	TotalAmount    string            `json:"total_amount"`
	Currency       enums.Currency    `json:"currency"`
	Reason         string            `json:"reason,omitempty"`
	Items          []OrderEventItem  `json:"items,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

type OrderEventItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
}
