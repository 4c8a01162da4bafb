package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// InventoryItem tracks available/reserved/current stock per (tenant, store, product).
// available + reserved never exceeds current_stock and neither counter goes negative.
type InventoryItem struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	TenantID     uuid.UUID `gorm:"column:tenant_id;type:uuid;not null;uniqueIndex:ux_inventory_items_scope_product,priority:1"`
	StoreID      uuid.UUID `gorm:"column:store_id;type:uuid;not null;uniqueIndex:ux_inventory_items_scope_product,priority:2"`
	ProductID    uuid.UUID `gorm:"column:product_id;type:uuid;not null;uniqueIndex:ux_inventory_items_scope_product,priority:3"`
	Available    int       `gorm:"column:available;not null;default:0;check:chk_inventory_available_nonneg,available >= 0"`
	Reserved     int       `gorm:"column:reserved;not null;default:0;check:chk_inventory_reserved_nonneg,reserved >= 0"`
	CurrentStock int       `gorm:"column:current_stock;not null;default:0;check:chk_inventory_stock_covers,available + reserved <= current_stock"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (i *InventoryItem) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

// InventoryMovement is an append-only ledger row for a stock mutation.
type InventoryMovement struct {
	ID            uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      uuid.UUID                   `gorm:"column:tenant_id;type:uuid;not null;index:idx_inventory_movements_scope,priority:1"`
	StoreID       uuid.UUID                   `gorm:"column:store_id;type:uuid;not null;index:idx_inventory_movements_scope,priority:2"`
	ProductID     uuid.UUID                   `gorm:"column:product_id;type:uuid;not null;index:idx_inventory_movements_scope,priority:3"`
	OrderID       *uuid.UUID                  `gorm:"column:order_id;type:uuid;index"`
	Type          enums.InventoryMovementType `gorm:"column:type;type:text;not null"`
	QuantityDelta int                         `gorm:"column:quantity_delta;not null"`
	PreviousStock int                         `gorm:"column:previous_stock;not null"`
	NewStock      int                         `gorm:"column:new_stock;not null"`
	Note          *string                     `gorm:"column:note"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

func (m *InventoryMovement) BeforeCreate(*gorm.DB) error {
	ensureID(&m.ID)
	return nil
}
