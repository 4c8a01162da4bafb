// Package webhooks verifies inbound provider callbacks, deduplicates them by
// (provider, event id) and hands normalized events to the payment service.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

// Event is a verified provider callback normalized to the payment domain.
// Status is empty for event types that do not move a payment.
type Event struct {
	Provider    enums.PaymentProvider
	ID          string
	Type        string
	ObjectRef   string
	Status      enums.PaymentStatus
	AmountCents int64
	Raw         json.RawMessage
}

// Verifier authenticates a raw body against the provider signature header
// and parses it into an Event.
type Verifier interface {
	// SignatureHeader names the request header carrying the signature.
	SignatureHeader() string
	Verify(raw []byte, signature string) (*Event, error)
}

const (
	stripeSignatureHeader = "Stripe-Signature"
	squareSignatureHeader = "X-Square-Hmacsha256-Signature"
	hmacSignatureHeader   = "X-Webhook-Signature"
)

func signatureInvalid(msg string) error {
	return pkgerrors.New(pkgerrors.CodeSignatureInvalid, msg)
}

func secretMissing(provider enums.PaymentProvider) error {
	return pkgerrors.New(pkgerrors.CodeSecretMissing, "webhook secret not configured").
		WithDetails(map[string]string{"provider": provider.String()})
}

// StripeVerifier checks the Stripe-Signature header.
type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: strings.TrimSpace(secret)}
}

func (v *StripeVerifier) SignatureHeader() string { return stripeSignatureHeader }

func (v *StripeVerifier) Verify(raw []byte, signature string) (*Event, error) {
	if v.secret == "" {
		return nil, secretMissing(enums.ProviderStripe)
	}
	if strings.TrimSpace(signature) == "" {
		return nil, signatureInvalid("stripe signature header missing")
	}
	evt, err := webhook.ConstructEventWithOptions(raw, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "stripe signature verification failed")
	}
	return normalizeStripe(evt, raw)
}

func normalizeStripe(evt stripe.Event, raw []byte) (*Event, error) {
	if evt.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event id missing")
	}
	out := &Event{
		Provider: enums.ProviderStripe,
		ID:       evt.ID,
		Type:     string(evt.Type),
		Raw:      json.RawMessage(raw),
	}
	if evt.Data == nil {
		return out, nil
	}

	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		out.Status = enums.PaymentStatusPaid
	case stripe.EventTypePaymentIntentPaymentFailed:
		out.Status = enums.PaymentStatusFailed
	case stripe.EventTypePaymentIntentCanceled:
		out.Status = enums.PaymentStatusCancelled
	case stripe.EventTypeChargeRefunded:
		out.Status = enums.PaymentStatusRefunded
		out.ObjectRef = evt.GetObjectValue("payment_intent")
	}
	if out.ObjectRef == "" {
		out.ObjectRef = evt.GetObjectValue("id")
	}
	if amount, ok := evt.Data.Object["amount"].(float64); ok {
		out.AmountCents = int64(amount)
	}
	return out, nil
}

// SquareVerifier checks x-square-hmacsha256-signature: base64 HMAC-SHA256
// over the notification URL followed by the raw body.
type SquareVerifier struct {
	secret          string
	notificationURL string
}

func NewSquareVerifier(secret, notificationURL string) *SquareVerifier {
	return &SquareVerifier{secret: strings.TrimSpace(secret), notificationURL: strings.TrimSpace(notificationURL)}
}

func (v *SquareVerifier) SignatureHeader() string { return squareSignatureHeader }

func (v *SquareVerifier) Verify(raw []byte, signature string) (*Event, error) {
	if v.secret == "" {
		return nil, secretMissing(enums.ProviderSquare)
	}
	given, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(given) == 0 {
		return nil, signatureInvalid("square signature malformed")
	}
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(v.notificationURL))
	mac.Write(raw)
	if !hmac.Equal(mac.Sum(nil), given) {
		return nil, signatureInvalid("square signature mismatch")
	}
	return normalizeSquare(raw)
}

type squareNotification struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		ID     string `json:"id"`
		Object struct {
			Payment *squareObject `json:"payment"`
			Refund  *squareObject `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

type squareObject struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	AmountMoney *struct {
		Amount int64 `json:"amount"`
	} `json:"amount_money"`
}

func normalizeSquare(raw []byte) (*Event, error) {
	var n squareNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode square event")
	}
	if n.EventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square event id missing")
	}
	out := &Event{
		Provider:  enums.ProviderSquare,
		ID:        n.EventID,
		Type:      n.Type,
		ObjectRef: n.Data.ID,
		Raw:       json.RawMessage(raw),
	}

	switch {
	case n.Data.Object.Payment != nil:
		p := n.Data.Object.Payment
		out.ObjectRef = p.ID
		out.Status = squarePaymentStatus(p.Status)
		if p.AmountMoney != nil {
			out.AmountCents = p.AmountMoney.Amount
		}
	case n.Data.Object.Refund != nil:
		r := n.Data.Object.Refund
		if r.PaymentID != "" {
			out.ObjectRef = r.PaymentID
		}
		if strings.EqualFold(r.Status, "COMPLETED") {
			out.Status = enums.PaymentStatusRefunded
		}
		if r.AmountMoney != nil {
			out.AmountCents = r.AmountMoney.Amount
		}
	}
	return out, nil
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
		return ""
	}
}

// HMACVerifier covers generic and manual providers: hex HMAC-SHA256 of the
// raw body, with an optional "sha256=" prefix.
type HMACVerifier struct {
	provider enums.PaymentProvider
	secret   string
}

func NewHMACVerifier(provider enums.PaymentProvider, secret string) *HMACVerifier {
	return &HMACVerifier{provider: provider, secret: strings.TrimSpace(secret)}
}

func (v *HMACVerifier) SignatureHeader() string { return hmacSignatureHeader }

func (v *HMACVerifier) Verify(raw []byte, signature string) (*Event, error) {
	if v.secret == "" {
		return nil, secretMissing(v.provider)
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	given, err := hex.DecodeString(sig)
	if err != nil || len(given) == 0 {
		return nil, signatureInvalid("signature malformed")
	}
	if !hmac.Equal(SignHMAC([]byte(v.secret), raw), given) {
		return nil, signatureInvalid("signature mismatch")
	}

	var body struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		ObjectRef   string `json:"object_ref"`
		Status      string `json:"status"`
		AmountCents int64  `json:"amount_cents"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event")
	}
	if body.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id missing")
	}
	out := &Event{
		Provider:    v.provider,
		ID:          body.ID,
		Type:        body.Type,
		ObjectRef:   body.ObjectRef,
		AmountCents: body.AmountCents,
		Raw:         json.RawMessage(raw),
	}
	if body.Status != "" {
		status, err := enums.ParsePaymentStatus(strings.ToUpper(body.Status))
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "event status")
		}
		out.Status = status
	}
	return out, nil
}

// SignHMAC returns the raw HMAC-SHA256 of payload under secret.
func SignHMAC(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Registry maps provider names to verifiers. It is filled once at startup.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[enums.PaymentProvider]Verifier
}

func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[enums.PaymentProvider]Verifier)}
}

func (r *Registry) Register(provider enums.PaymentProvider, v Verifier) {
	if v == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[provider] = v
}

func (r *Registry) Lookup(provider enums.PaymentProvider) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[provider]
	return v, ok
}

// SignatureHeader returns the header the provider signs with.
func (r *Registry) SignatureHeader(provider enums.PaymentProvider) (string, error) {
	v, ok := r.Lookup(provider)
	if !ok {
		return "", unsupportedProvider(provider)
	}
	return v.SignatureHeader(), nil
}

// Verify resolves the provider's verifier and runs it.
func (r *Registry) Verify(provider enums.PaymentProvider, raw []byte, signature string) (*Event, error) {
	v, ok := r.Lookup(provider)
	if !ok {
		return nil, unsupportedProvider(provider)
	}
	return v.Verify(raw, signature)
}

func unsupportedProvider(provider enums.PaymentProvider) error {
	return pkgerrors.New(pkgerrors.CodeUnsupportedProvider, "unsupported provider").
		WithDetails(map[string]string{"provider": provider.String()})
}
