package enums

import "fmt"

// WebhookEventStatus tracks an inbound provider callback after it was claimed.
type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "RECEIVED"
	WebhookEventProcessed WebhookEventStatus = "PROCESSED"
	WebhookEventFailed    WebhookEventStatus = "FAILED"
)

func (s WebhookEventStatus) IsValid() bool {
	switch s {
	case WebhookEventReceived, WebhookEventProcessed, WebhookEventFailed:
		return true
	}
	return false
}

// IdempotencyStatus is IN_PROGRESS from the claim until the handler's
// response is stored.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
)

func (s IdempotencyStatus) IsValid() bool {
	return s == IdempotencyInProgress || s == IdempotencyCompleted
}

// PaymentProvider names a payment provider integration.
type PaymentProvider string

const (
	ProviderStripe PaymentProvider = "stripe"
	ProviderSquare PaymentProvider = "square"
	ProviderManual PaymentProvider = "manual"
)

var validProviders = []PaymentProvider{
	ProviderStripe,
	ProviderSquare,
	ProviderManual,
}

func (p PaymentProvider) String() string {
	return string(p)
}

// IsValid reports whether the provider is known.
func (p PaymentProvider) IsValid() bool {
	for _, candidate := range validProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentProvider converts raw input into PaymentProvider.
func ParsePaymentProvider(value string) (PaymentProvider, error) {
	for _, candidate := range validProviders {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment provider %q", value)
}
