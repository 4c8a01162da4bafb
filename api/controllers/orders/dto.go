package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
)

type createOrderRequest struct {
	Currency string             `json:"currency" validate:"required,currency"`
	Items    []orderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type orderItemRequest struct {
	ProductID uuid.UUID       `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"omitempty,money"`
}

type transitionRequest struct {
	To     string `json:"to" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type OrderResponse struct {
	ID                 uuid.UUID           `json:"id"`
	StoreID            uuid.UUID           `json:"store_id"`
	Status             enums.OrderStatus   `json:"status"`
	Currency           enums.Currency      `json:"currency"`
	TotalAmount        string              `json:"total_amount"`
	InventoryCommitted bool                `json:"inventory_committed"`
	InventoryReleased  bool                `json:"inventory_released"`
	CancelReason       *string             `json:"cancel_reason,omitempty"`
	PaidAt             *time.Time          `json:"paid_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	CancelledAt        *time.Time          `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	Items              []OrderItemResponse `json:"items,omitempty"`
}

type OrderItemResponse struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
}

type OrderListResponse struct {
	Orders     []OrderResponse `json:"orders"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type AuditEntryResponse struct {
	ID        uuid.UUID       `json:"id"`
	ActorID   *uuid.UUID      `json:"actor_id,omitempty"`
	Action    string          `json:"action"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewOrderResponse(order *models.Order) OrderResponse {
	out := OrderResponse{
		ID:                 order.ID,
		StoreID:            order.StoreID,
		Status:             order.Status,
		Currency:           order.Currency,
		TotalAmount:        order.TotalAmount.StringFixed(2),
		InventoryCommitted: order.InventoryCommitted,
		InventoryReleased:  order.InventoryReleased,
		CancelReason:       order.CancelReason,
		PaidAt:             order.PaidAt,
		CompletedAt:        order.CompletedAt,
		CancelledAt:        order.CancelledAt,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
	for _, item := range order.Items {
		out.Items = append(out.Items, OrderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
		})
	}
	return out
}

func newAuditResponse(rows []models.AuditLog) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, AuditEntryResponse{
			ID:        row.ID,
			ActorID:   row.ActorID,
			Action:    row.Action,
			Context:   row.Context,
			CreatedAt: row.CreatedAt,
		})
	}
	return out
}
