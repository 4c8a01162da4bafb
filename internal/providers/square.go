package providers

import (
	"context"
	"strings"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	squareclient "github.com/angelmondragon/commerce-core/pkg/square"
)

type squareAPI interface {
	CreatePayment(ctx context.Context, params squareclient.PaymentCreateParams) (*squareclient.Snapshot, error)
	GetPayment(ctx context.Context, paymentID string) (*squareclient.Snapshot, error)
	RefundPayment(ctx context.Context, params squareclient.RefundParams) (*squareclient.Snapshot, error)
}

// SquareAdapter charges a card source through the Payments API.
type SquareAdapter struct {
	api squareAPI
}

func NewSquareAdapter(api squareAPI) (*SquareAdapter, error) {
	if api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "square client required")
	}
	return &SquareAdapter{api: api}, nil
}

func (a *SquareAdapter) Provider() enums.PaymentProvider { return enums.ProviderSquare }

func (a *SquareAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	if err := validateIntent(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square payments require a source id")
	}
	snap, err := a.api.CreatePayment(ctx, squareclient.PaymentCreateParams{
		AmountCents:    ToMinorUnits(req.Amount),
		Currency:       req.Currency.String(),
		SourceID:       req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.Metadata["payment_id"],
		Note:           req.Metadata["order_id"],
	})
	if err != nil {
		return nil, err
	}
	return &IntentResult{ProviderRef: snap.ID, Status: squarePaymentStatus(snap.Status), Snapshot: snap.Raw}, nil
}

func (a *SquareAdapter) Lookup(ctx context.Context, providerRef string) (*LookupResult, error) {
	if strings.TrimSpace(providerRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider reference required")
	}
	snap, err := a.api.GetPayment(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return &LookupResult{ProviderRef: snap.ID, Status: squarePaymentStatus(snap.Status), Snapshot: snap.Raw}, nil
}

func (a *SquareAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider reference required")
	}
	snap, err := a.api.RefundPayment(ctx, squareclient.RefundParams{
		PaymentID:      req.ProviderRef,
		AmountCents:    ToMinorUnits(req.Amount),
		Currency:       req.Currency.String(),
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundRef: snap.ID, Status: squareRefundStatus(snap.Status), Snapshot: snap.Raw}, nil
}

func squarePaymentStatus(status string) enums.PaymentStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return enums.PaymentStatusPaid
	case "FAILED":
		return enums.PaymentStatusFailed
	case "CANCELED":
		return enums.PaymentStatusCancelled
	default:
		return enums.PaymentStatusPending
	}
}

func squareRefundStatus(status string) enums.PaymentStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return enums.PaymentStatusRefunded
	case "REJECTED", "FAILED":
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}
