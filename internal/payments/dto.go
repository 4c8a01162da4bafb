package payments

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// CreateInput starts a provider payment against an order.
type CreateInput struct {
	TenantID uuid.UUID
	OrderID  uuid.UUID
	Amount   decimal.Decimal
	// Currency defaults to the order currency.
	Currency       enums.Currency
	Provider       enums.PaymentProvider
	PaymentMethod  string
	IsPartial      bool
	Metadata       map[string]string
	ActorID        *uuid.UUID
	IdempotencyKey string
}

// RefundInput refunds a PAID payment. A zero Amount refunds it in full.
type RefundInput struct {
	TenantID       uuid.UUID
	PaymentID      uuid.UUID
	Amount         decimal.Decimal
	Reason         string
	ActorID        *uuid.UUID
	IdempotencyKey string
}

// PaymentRef addresses one payment for retry and sync.
type PaymentRef struct {
	TenantID  uuid.UUID
	PaymentID uuid.UUID
	ActorID   *uuid.UUID
}

// CashierInput declares a cashier-collected payment.
type CashierInput struct {
	TenantID   uuid.UUID
	OrderID    uuid.UUID
	Amount     decimal.Decimal
	Currency   enums.Currency
	DeclaredBy uuid.UUID
	Notes      string
}

type CashierTransitionInput struct {
	TenantID         uuid.UUID
	CashierPaymentID uuid.UUID
	To               enums.CashierPaymentStatus
	ActorID          uuid.UUID
	Notes            string
}

// statusUpdate is a requested payment status change and the provider data behind it.
type statusUpdate struct {
	Status        enums.PaymentStatus
	Snapshot      json.RawMessage
	FailureReason string
	Source        string
}

// OrderPayments is everything collected against one order.
type OrderPayments struct {
	OrderID     uuid.UUID
	Total       decimal.Decimal
	Settled     decimal.Decimal
	Outstanding decimal.Decimal
	Payments    []models.Payment
	Cashier     []models.CashierPayment
}

// PaymentEventData is the outbox payload for payment events.
type PaymentEventData struct {
	PaymentID      uuid.UUID             `json:"payment_id"`
	OrderID        uuid.UUID             `json:"order_id"`
	Amount         string                `json:"amount"`
	Currency       enums.Currency        `json:"currency"`
	Status         enums.PaymentStatus   `json:"status"`
	PreviousStatus enums.PaymentStatus   `json:"previous_status,omitempty"`
	Provider       enums.PaymentProvider `json:"provider"`
	ProviderRef    string                `json:"provider_ref,omitempty"`
	IsPartial      bool                  `json:"is_partial"`
	FailureReason  string                `json:"failure_reason,omitempty"`
}

type CashierEventData struct {
	CashierPaymentID uuid.UUID                  `json:"cashier_payment_id"`
	OrderID          uuid.UUID                  `json:"order_id"`
	Amount           string                     `json:"amount"`
	Currency         enums.Currency             `json:"currency"`
	Status           enums.CashierPaymentStatus `json:"status"`
	PreviousStatus   enums.CashierPaymentStatus `json:"previous_status,omitempty"`
	DeclaredBy       uuid.UUID                  `json:"declared_by"`
	VerifiedBy       *uuid.UUID                 `json:"verified_by,omitempty"`
}
