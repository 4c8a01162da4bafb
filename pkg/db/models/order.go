package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// Order is the tenant-scoped customer order; status changes only through the order state machine.
type Order struct {
	ID                 uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	TenantID           uuid.UUID         `gorm:"column:tenant_id;type:uuid;not null;index:idx_orders_tenant_status,priority:1"`
	StoreID            uuid.UUID         `gorm:"column:store_id;type:uuid;not null"`
	Status             enums.OrderStatus `gorm:"column:status;type:text;not null;index:idx_orders_tenant_status,priority:2;index:idx_orders_status_updated,priority:1"`
	Currency           enums.Currency    `gorm:"column:currency;type:text;not null"`
	TotalAmount        decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null"`
	InventoryCommitted bool              `gorm:"column:inventory_committed;not null;default:false"`
	InventoryReleased  bool              `gorm:"column:inventory_released;not null;default:false"`
	CancelReason       *string           `gorm:"column:cancel_reason"`
	PaidAt             *time.Time        `gorm:"column:paid_at"`
	CompletedAt        *time.Time        `gorm:"column:completed_at"`
	CancelledAt        *time.Time        `gorm:"column:cancelled_at"`
	CreatedAt          time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time         `gorm:"column:updated_at;autoUpdateTime;index:idx_orders_status_updated,priority:2"`

	Items []OrderItem `gorm:"foreignKey:OrderID"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

// OrderItem is one line of an order; quantities are the reserved amounts.
type OrderItem struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID   uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID uuid.UUID       `gorm:"column:product_id;type:uuid;not null"`
	Quantity  int             `gorm:"column:quantity;not null;check:chk_order_items_quantity_positive,quantity > 0"`
	UnitPrice decimal.Decimal `gorm:"column:unit_price;type:numeric(12,2);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

// LineTotal returns quantity * unit price.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
