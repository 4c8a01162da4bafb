package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"

	"github.com/angelmondragon/commerce-core/pkg/config"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client wraps Stripe's API client plus env-specific metadata.
type Client struct {
	api         *stripe.Client
	environment string
	logger      *logger.Logger
}

// Snapshot is the provider-side view of a payment intent or refund.
type Snapshot struct {
	ID     string
	Status string
	Raw    json.RawMessage
}

// PaymentIntentParams are the inputs for creating and confirming a payment intent.
type PaymentIntentParams struct {
	AmountCents    int64
	Currency       string
	PaymentMethod  string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundParams describes a full or partial refund of a payment intent.
type RefundParams struct {
	PaymentIntentID string
	AmountCents     int64
	IdempotencyKey  string
}

// NewClient initializes Stripe once with the configured key and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := stripe.NewClient(apiKey)
	stripe.Key = apiKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:         api,
		environment: env,
		logger:      logg,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// CreatePaymentIntent creates a payment intent, confirming it immediately when a payment method is given.
func (c *Client) CreatePaymentIntent(ctx context.Context, in PaymentIntentParams) (*Snapshot, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.AmountCents),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(in.Currency))),
	}
	if pm := strings.TrimSpace(in.PaymentMethod); pm != "" {
		params.PaymentMethod = stripe.String(pm)
		params.Confirm = stripe.Bool(true)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.Context = ctx

	c.log(ctx, "create_payment_intent", map[string]any{"amount": in.AmountCents, "currency": in.Currency})
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, mapStripeError(err, "create payment intent")
	}
	return snapshotOf(pi.ID, string(pi.Status), pi)
}

// GetPaymentIntent fetches the current state of a payment intent.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*Snapshot, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	c.log(ctx, "get_payment_intent", map[string]any{"payment_intent_id": id})
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, mapStripeError(err, "get payment intent")
	}
	return snapshotOf(pi.ID, string(pi.Status), pi)
}

// Refund refunds a payment intent. A zero amount refunds the full remaining balance.
func (c *Client) Refund(ctx context.Context, in RefundParams) (*Snapshot, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(in.PaymentIntentID),
	}
	if in.AmountCents > 0 {
		params.Amount = stripe.Int64(in.AmountCents)
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.Context = ctx

	c.log(ctx, "refund", map[string]any{"payment_intent_id": in.PaymentIntentID, "amount": in.AmountCents})
	r, err := refund.New(params)
	if err != nil {
		return nil, mapStripeError(err, "refund")
	}
	return snapshotOf(r.ID, string(r.Status), r)
}

func (c *Client) log(ctx context.Context, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{"operation": op}
	for k, v := range fields {
		logFields[k] = v
	}
	c.logger.Info(c.logger.WithFields(ctx, logFields), "stripe request")
}

func snapshotOf(id, status string, v any) (*Snapshot, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "encode stripe object")
	}
	return &Snapshot{ID: id, Status: status, Raw: raw}, nil
}

func mapStripeError(err error, op string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(codeForStripeError(stripeErr), err, fmt.Sprintf("stripe %s failed", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("stripe %s failed", op))
}

func codeForStripeError(e *stripe.Error) pkgerrors.Code {
	if e.Type == stripe.ErrorTypeIdempotency {
		return pkgerrors.CodeIdempotency
	}
	switch e.HTTPStatusCode {
	case http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusBadRequest, http.StatusPaymentRequired:
		return pkgerrors.CodeValidation
	default:
		return pkgerrors.CodeDependency
	}
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
