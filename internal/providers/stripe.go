package providers

import (
	"context"
	"strings"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	stripeclient "github.com/angelmondragon/commerce-core/pkg/stripe"
)

type stripeAPI interface {
	CreatePaymentIntent(ctx context.Context, in stripeclient.PaymentIntentParams) (*stripeclient.Snapshot, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripeclient.Snapshot, error)
	Refund(ctx context.Context, in stripeclient.RefundParams) (*stripeclient.Snapshot, error)
}

// StripeAdapter maps PaymentIntents onto the payment lifecycle.
type StripeAdapter struct {
	api stripeAPI
}

func NewStripeAdapter(api stripeAPI) (*StripeAdapter, error) {
	if api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	return &StripeAdapter{api: api}, nil
}

func (a *StripeAdapter) Provider() enums.PaymentProvider { return enums.ProviderStripe }

func (a *StripeAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	if err := validateIntent(req); err != nil {
		return nil, err
	}
	snap, err := a.api.CreatePaymentIntent(ctx, stripeclient.PaymentIntentParams{
		AmountCents:    ToMinorUnits(req.Amount),
		Currency:       req.Currency.String(),
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &IntentResult{ProviderRef: snap.ID, Status: stripeIntentStatus(snap.Status), Snapshot: snap.Raw}, nil
}

func (a *StripeAdapter) Lookup(ctx context.Context, providerRef string) (*LookupResult, error) {
	if strings.TrimSpace(providerRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider reference required")
	}
	snap, err := a.api.GetPaymentIntent(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return &LookupResult{ProviderRef: snap.ID, Status: stripeIntentStatus(snap.Status), Snapshot: snap.Raw}, nil
}

func (a *StripeAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider reference required")
	}
	snap, err := a.api.Refund(ctx, stripeclient.RefundParams{
		PaymentIntentID: req.ProviderRef,
		AmountCents:     ToMinorUnits(req.Amount),
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundRef: snap.ID, Status: stripeRefundStatus(snap.Status), Snapshot: snap.Raw}, nil
}

// stripeIntentStatus: requires_* and processing are still in flight.
func stripeIntentStatus(status string) enums.PaymentStatus {
	switch strings.ToLower(status) {
	case "succeeded":
		return enums.PaymentStatusPaid
	case "canceled":
		return enums.PaymentStatusCancelled
	default:
		return enums.PaymentStatusPending
	}
}

func stripeRefundStatus(status string) enums.PaymentStatus {
	switch strings.ToLower(status) {
	case "succeeded":
		return enums.PaymentStatusRefunded
	case "failed", "canceled":
		return enums.PaymentStatusFailed
	default:
		return enums.PaymentStatusPending
	}
}
