package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

func TestHTTPDelivererSignsPayload(t *testing.T) {
	payload := []byte(`{"eventType":"order.paid"}`)
	id := uuid.New()
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewHTTPDeliverer(srv.Client(), "").Deliver(context.Background(), Delivery{
		ID:        id,
		EventType: enums.EventOrderPaid,
		Payload:   payload,
		Endpoint:  srv.URL,
		Secret:    "s3cret",
		Attempt:   2,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("expected raw payload, got %s", body)
	}
	if got.Get(DefaultSignatureHeader) != "sha256="+Sign("s3cret", payload) {
		t.Fatalf("unexpected signature %q", got.Get(DefaultSignatureHeader))
	}
	if got.Get(HeaderEvent) != "order.paid" || got.Get(HeaderDeliveryID) != id.String() || got.Get(HeaderAttempt) != "2" {
		t.Fatalf("missing delivery headers: %v", got)
	}
}

func TestHTTPDelivererNon2xxIsDeliveryFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPDeliverer(srv.Client(), "X-Sig").Deliver(context.Background(), Delivery{ID: uuid.New(), Endpoint: srv.URL, Payload: []byte(`{}`)})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDeliveryFailed) {
		t.Fatalf("expected DELIVERY_FAILED, got %v", err)
	}
}

type fakePublisher struct {
	topic string
	data  []byte
	attrs map[string]string
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	f.topic, f.data, f.attrs = topic, data, attrs
	return "msg-1", f.err
}

func TestPubSubDeliverer(t *testing.T) {
	pub := &fakePublisher{}
	payload, _ := json.Marshal(map[string]string{"a": "b"})
	err := NewPubSubDeliverer(pub).Deliver(context.Background(), Delivery{
		ID:        uuid.New(),
		EventType: enums.EventPaymentPaid,
		Payload:   payload,
		Endpoint:  "tenant-events",
		Secret:    "k",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.topic != "tenant-events" || pub.attrs["event_type"] != "payment.paid" {
		t.Fatalf("unexpected publish: %s %v", pub.topic, pub.attrs)
	}

	pub.err = errors.New("unavailable")
	err = NewPubSubDeliverer(pub).Deliver(context.Background(), Delivery{ID: uuid.New(), Endpoint: "t"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDeliveryFailed) {
		t.Fatalf("expected DELIVERY_FAILED, got %v", err)
	}
}

func TestLimiterKeyGroupsByHost(t *testing.T) {
	a := limiterKey(enums.TransportHTTP, "https://hooks.example.com/a")
	b := limiterKey(enums.TransportHTTP, "https://hooks.example.com/b?x=1")
	if a != b {
		t.Fatalf("expected same key for one host, got %s vs %s", a, b)
	}
	if limiterKey(enums.TransportPubSub, "topic-a") == limiterKey(enums.TransportPubSub, "topic-b") {
		t.Fatalf("expected per-topic keys")
	}
}
