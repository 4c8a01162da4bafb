package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// Payment is a provider-settled payment against an order. An order may carry several partial payments.
type Payment struct {
	ID               uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID          uuid.UUID             `gorm:"column:order_id;type:uuid;not null;index"`
	TenantID         uuid.UUID             `gorm:"column:tenant_id;type:uuid;not null"`
	Amount           decimal.Decimal       `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency         enums.Currency        `gorm:"column:currency;type:text;not null"`
	Status           enums.PaymentStatus   `gorm:"column:status;type:text;not null"`
	IsPartial        bool                  `gorm:"column:is_partial;not null;default:false"`
	Provider         enums.PaymentProvider `gorm:"column:provider;type:text;not null;uniqueIndex:ux_payments_provider_ref,priority:1"`
	ProviderRef      *string               `gorm:"column:provider_ref;uniqueIndex:ux_payments_provider_ref,priority:2"`
	ProviderSnapshot json.RawMessage       `gorm:"column:provider_snapshot;type:jsonb"`
	FailureReason    *string               `gorm:"column:failure_reason"`
	PaidAt           *time.Time            `gorm:"column:paid_at"`
	RefundedAt       *time.Time            `gorm:"column:refunded_at"`
	CreatedAt        time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// CashierPayment is a manually recorded payment (cash, card terminal) that follows the cashier audit path.
type CashierPayment struct {
	ID         uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID                  `gorm:"column:order_id;type:uuid;not null;index"`
	TenantID   uuid.UUID                  `gorm:"column:tenant_id;type:uuid;not null"`
	Amount     decimal.Decimal            `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency   enums.Currency             `gorm:"column:currency;type:text;not null"`
	Status     enums.CashierPaymentStatus `gorm:"column:status;type:text;not null"`
	DeclaredBy uuid.UUID                  `gorm:"column:declared_by;type:uuid;not null"`
	VerifiedBy *uuid.UUID                 `gorm:"column:verified_by;type:uuid"`
	Notes      *string                    `gorm:"column:notes"`
	CreatedAt  time.Time                  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time                  `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *CashierPayment) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
