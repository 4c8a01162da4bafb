// Package providers wraps external payment providers behind one contract so
// the payment service never branches on a provider name.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/ratelimit"
)

// IntentRequest asks a provider to start collecting Amount.
type IntentRequest struct {
	Amount   decimal.Decimal
	Currency enums.Currency
	// PaymentMethod is the provider token for the payer (Stripe payment
	// method id, Square source id). Optional for Stripe.
	PaymentMethod  string
	Metadata       map[string]string
	IdempotencyKey string
}

// IntentResult is the provider view right after creation.
type IntentResult struct {
	ProviderRef string
	Status      enums.PaymentStatus
	Snapshot    json.RawMessage
}

type LookupResult struct {
	ProviderRef string
	Status      enums.PaymentStatus
	Snapshot    json.RawMessage
}

type RefundRequest struct {
	ProviderRef    string
	Amount         decimal.Decimal
	Currency       enums.Currency
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundRef string
	Status    enums.PaymentStatus
	Snapshot  json.RawMessage
}

// Adapter is the contract every payment provider implements. Statuses are
// normalized to enums.PaymentStatus.
type Adapter interface {
	Provider() enums.PaymentProvider
	CreateIntent(ctx context.Context, req IntentRequest) (*IntentResult, error)
	Lookup(ctx context.Context, providerRef string) (*LookupResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// ToMinorUnits converts a decimal amount into cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func validateIntent(req IntentRequest) error {
	if !req.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if ToMinorUnits(req.Amount) <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount below minor unit")
	}
	if strings.TrimSpace(req.Currency.String()) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "currency is required")
	}
	return nil
}

func limiterKey(provider enums.PaymentProvider) string {
	return "provider:" + provider.String()
}

// Registry resolves adapters by provider. Every call made through an adapter
// returned by Get first waits on the provider's limiter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[enums.PaymentProvider]Adapter
	limits   *ratelimit.Registry
	logger   *logger.Logger
}

func NewRegistry(limits *ratelimit.Registry, logg *logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[enums.PaymentProvider]Adapter),
		limits:   limits,
		logger:   logg,
	}
}

func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
	return nil
}

// Get returns the rate-limited adapter for provider or CodeUnsupportedProvider.
func (r *Registry) Get(provider enums.PaymentProvider) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupportedProvider, "payment provider not configured").
			WithDetails(map[string]string{"provider": provider.String()})
	}
	return &limitedAdapter{Adapter: a, limits: r.limits}, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []enums.PaymentProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]enums.PaymentProvider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

type limitedAdapter struct {
	Adapter
	limits *ratelimit.Registry
}

func (l *limitedAdapter) wait(ctx context.Context) error {
	if err := l.limits.Wait(ctx, limiterKey(l.Provider())); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, err, "provider rate limit")
	}
	return nil
}

func (l *limitedAdapter) CreateIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Adapter.CreateIntent(ctx, req)
}

func (l *limitedAdapter) Lookup(ctx context.Context, providerRef string) (*LookupResult, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Adapter.Lookup(ctx, providerRef)
}

func (l *limitedAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Adapter.Refund(ctx, req)
}
