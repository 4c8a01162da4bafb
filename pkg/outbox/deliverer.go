package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

const (
	DefaultSignatureHeader = "X-Webhook-Signature"
	HeaderEvent            = "X-Webhook-Event"
	HeaderDeliveryID       = "X-Webhook-Id"
	HeaderAttempt          = "X-Webhook-Attempt"
)

// Delivery is one attempt at sending an outbox row to its subscription.
type Delivery struct {
	ID        uuid.UUID
	EventType enums.OutboxEventType
	Payload   json.RawMessage
	Endpoint  string
	Secret    string
	Attempt   int
}

// Deliverer sends a delivery over one transport. A nil error means the
// receiver acknowledged it.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Sign returns the hex HMAC-SHA256 of payload, as sent in the signature header.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type HTTPDeliverer struct {
	client          *http.Client
	signatureHeader string
}

func NewHTTPDeliverer(client *http.Client, signatureHeader string) *HTTPDeliverer {
	if client == nil {
		client = &http.Client{}
	}
	if strings.TrimSpace(signatureHeader) == "" {
		signatureHeader = DefaultSignatureHeader
	}
	return &HTTPDeliverer{client: client, signatureHeader: signatureHeader}
}

func (h *HTTPDeliverer) Deliver(ctx context.Context, d Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(d.Payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDeliveryFailed, err, "build delivery request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(h.signatureHeader, "sha256="+Sign(d.Secret, d.Payload))
	req.Header.Set(HeaderEvent, string(d.EventType))
	req.Header.Set(HeaderDeliveryID, d.ID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempt))

	resp, err := h.client.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDeliveryFailed, err, "post delivery")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pkgerrors.New(pkgerrors.CodeDeliveryFailed, fmt.Sprintf("endpoint responded %d", resp.StatusCode)).
			WithDetails(map[string]string{"status": strconv.Itoa(resp.StatusCode)})
	}
	return nil
}

type publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

// PubSubDeliverer publishes the envelope to the topic named by the
// subscription endpoint.
type PubSubDeliverer struct {
	pub publisher
}

func NewPubSubDeliverer(pub publisher) *PubSubDeliverer {
	return &PubSubDeliverer{pub: pub}
}

func (p *PubSubDeliverer) Deliver(ctx context.Context, d Delivery) error {
	if p.pub == nil {
		return pkgerrors.New(pkgerrors.CodeDeliveryFailed, "pubsub not configured")
	}
	_, err := p.pub.Publish(ctx, d.Endpoint, d.Payload, map[string]string{
		"event_type":  string(d.EventType),
		"delivery_id": d.ID.String(),
		"signature":   "sha256=" + Sign(d.Secret, d.Payload),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDeliveryFailed, err, "publish delivery")
	}
	return nil
}

// limiterKey groups deliveries sharing a receiver: the URL host for HTTP,
// the topic for Pub/Sub.
func limiterKey(transport enums.DeliveryTransport, endpoint string) string {
	if transport == enums.TransportHTTP {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			return "outbox:http:" + u.Host
		}
	}
	return "outbox:" + string(transport) + ":" + endpoint
}
