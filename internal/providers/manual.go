package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

// ManualAdapter backs payments settled out of band. Intents stay PENDING
// until a signed manual webhook reports the outcome.
type ManualAdapter struct{}

func NewManualAdapter() *ManualAdapter { return &ManualAdapter{} }

func (ManualAdapter) Provider() enums.PaymentProvider { return enums.ProviderManual }

func (ManualAdapter) CreateIntent(_ context.Context, req IntentRequest) (*IntentResult, error) {
	if err := validateIntent(req); err != nil {
		return nil, err
	}
	ref := "manual_" + uuid.NewString()
	snap, _ := json.Marshal(map[string]any{
		"id":       ref,
		"amount":   req.Amount.StringFixed(2),
		"currency": req.Currency.String(),
	})
	return &IntentResult{ProviderRef: ref, Status: enums.PaymentStatusPending, Snapshot: snap}, nil
}

// Lookup has no remote source of truth; callers keep the stored status.
func (ManualAdapter) Lookup(_ context.Context, providerRef string) (*LookupResult, error) {
	if strings.TrimSpace(providerRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider reference required")
	}
	return &LookupResult{ProviderRef: providerRef}, nil
}

func (ManualAdapter) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	if strings.TrimSpace(req.ProviderRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider reference required")
	}
	return &RefundResult{RefundRef: "manual_refund_" + uuid.NewString(), Status: enums.PaymentStatusRefunded}, nil
}
