package payments

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	internalpayments "github.com/angelmondragon/commerce-core/internal/payments"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
)

type createPaymentRequest struct {
	Amount        decimal.Decimal   `json:"amount" validate:"required,money"`
	Currency      string            `json:"currency" validate:"omitempty,currency"`
	Provider      string            `json:"provider" validate:"required"`
	PaymentMethod string            `json:"payment_method" validate:"max=128"`
	IsPartial     bool              `json:"is_partial"`
	Metadata      map[string]string `json:"metadata" validate:"max=20"`
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"omitempty,money"`
	Reason string          `json:"reason" validate:"max=500"`
}

type declareCashierRequest struct {
	Amount   decimal.Decimal `json:"amount" validate:"required,money"`
	Currency string          `json:"currency" validate:"omitempty,currency"`
	Notes    string          `json:"notes" validate:"max=1000"`
}

type cashierTransitionRequest struct {
	To    string `json:"to" validate:"required"`
	Notes string `json:"notes" validate:"max=1000"`
}

type PaymentResponse struct {
	ID               uuid.UUID             `json:"id"`
	OrderID          uuid.UUID             `json:"order_id"`
	Amount           string                `json:"amount"`
	Currency         enums.Currency        `json:"currency"`
	Status           enums.PaymentStatus   `json:"status"`
	IsPartial        bool                  `json:"is_partial"`
	Provider         enums.PaymentProvider `json:"provider"`
	ProviderRef      *string               `json:"provider_ref,omitempty"`
	ProviderSnapshot json.RawMessage       `json:"provider_snapshot,omitempty"`
	FailureReason    *string               `json:"failure_reason,omitempty"`
	PaidAt           *time.Time            `json:"paid_at,omitempty"`
	RefundedAt       *time.Time            `json:"refunded_at,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

type CashierPaymentResponse struct {
	ID         uuid.UUID                  `json:"id"`
	OrderID    uuid.UUID                  `json:"order_id"`
	Amount     string                     `json:"amount"`
	Currency   enums.Currency             `json:"currency"`
	Status     enums.CashierPaymentStatus `json:"status"`
	DeclaredBy uuid.UUID                  `json:"declared_by"`
	VerifiedBy *uuid.UUID                 `json:"verified_by,omitempty"`
	Notes      *string                    `json:"notes,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

type OrderPaymentsResponse struct {
	OrderID     uuid.UUID                `json:"order_id"`
	Total       string                   `json:"total"`
	Settled     string                   `json:"settled"`
	Outstanding string                   `json:"outstanding"`
	Payments    []PaymentResponse        `json:"payments"`
	Cashier     []CashierPaymentResponse `json:"cashier_payments"`
}

func NewPaymentResponse(p *models.Payment) PaymentResponse {
	return PaymentResponse{
		ID:               p.ID,
		OrderID:          p.OrderID,
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		Status:           p.Status,
		IsPartial:        p.IsPartial,
		Provider:         p.Provider,
		ProviderRef:      p.ProviderRef,
		ProviderSnapshot: p.ProviderSnapshot,
		FailureReason:    p.FailureReason,
		PaidAt:           p.PaidAt,
		RefundedAt:       p.RefundedAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func NewCashierPaymentResponse(p *models.CashierPayment) CashierPaymentResponse {
	return CashierPaymentResponse{
		ID:         p.ID,
		OrderID:    p.OrderID,
		Amount:     p.Amount.StringFixed(2),
		Currency:   p.Currency,
		Status:     p.Status,
		DeclaredBy: p.DeclaredBy,
		VerifiedBy: p.VerifiedBy,
		Notes:      p.Notes,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

func newOrderPaymentsResponse(in *internalpayments.OrderPayments) OrderPaymentsResponse {
	out := OrderPaymentsResponse{
		OrderID:     in.OrderID,
		Total:       in.Total.StringFixed(2),
		Settled:     in.Settled.StringFixed(2),
		Outstanding: in.Outstanding.StringFixed(2),
		Payments:    make([]PaymentResponse, 0, len(in.Payments)),
		Cashier:     make([]CashierPaymentResponse, 0, len(in.Cashier)),
	}
	for i := range in.Payments {
		out.Payments = append(out.Payments, NewPaymentResponse(&in.Payments[i]))
	}
	for i := range in.Cashier {
		out.Cashier = append(out.Cashier, NewCashierPaymentResponse(&in.Cashier[i]))
	}
	return out
}
