package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

const stripeSecret = "whsec_test_secret"

func signStripe(t *testing.T, payload []byte) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestStripeVerifierNormalizesPaymentIntent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","amount":1500}}}`)

	evt, err := NewStripeVerifier(stripeSecret).Verify(payload, signStripe(t, payload))
	require.NoError(t, err)
	require.Equal(t, enums.ProviderStripe, evt.Provider)
	require.Equal(t, "evt_1", evt.ID)
	require.Equal(t, "pi_1", evt.ObjectRef)
	require.Equal(t, enums.PaymentStatusPaid, evt.Status)
	require.EqualValues(t, 1500, evt.AmountCents)
}

func TestStripeVerifierRefundUsesPaymentIntentRef(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_9","amount":700}}}`)

	evt, err := NewStripeVerifier(stripeSecret).Verify(payload, signStripe(t, payload))
	require.NoError(t, err)
	require.Equal(t, "pi_9", evt.ObjectRef)
	require.Equal(t, enums.PaymentStatusRefunded, evt.Status)
}

func TestStripeVerifierRejectsTamperedBody(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	header := signStripe(t, payload)

	_, err := NewStripeVerifier(stripeSecret).Verify([]byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_2"}}}`), header)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

func TestVerifiersRequireSecret(t *testing.T) {
	for _, v := range []Verifier{
		NewStripeVerifier(""),
		NewSquareVerifier(" ", "https://example.com/hook"),
		NewHMACVerifier(enums.ProviderManual, ""),
	} {
		_, err := v.Verify([]byte(`{}`), "sig")
		require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSecretMissing))
	}
}

func TestRegistrySignatureHeaders(t *testing.T) {
	reg := NewRegistry()
	reg.Register(enums.ProviderStripe, NewStripeVerifier("s"))
	reg.Register(enums.ProviderSquare, NewSquareVerifier("s", "https://example.com/hook"))
	reg.Register(enums.ProviderManual, NewHMACVerifier(enums.ProviderManual, ""))

	for provider, want := range map[enums.PaymentProvider]string{
		enums.ProviderStripe: "Stripe-Signature",
		enums.ProviderSquare: "X-Square-Hmacsha256-Signature",
		enums.ProviderManual: "X-Webhook-Signature",
	} {
		header, err := reg.SignatureHeader(provider)
		require.NoError(t, err)
		require.Equal(t, want, header)
	}

	_, err := reg.SignatureHeader(enums.PaymentProvider("paypal"))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnsupportedProvider))
}

func squareSignature(secret, url string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSquareVerifier(t *testing.T) {
	const url = "https://api.example.com/api/v1/webhooks/square"
	body := []byte(`{"event_id":"sq-evt-1","type":"payment.updated","data":{"type":"payment","id":"pay_1","object":{"payment":{"id":"pay_1","status":"COMPLETED","amount_money":{"amount":2500,"currency":"USD"}}}}}`)
	v := NewSquareVerifier("sq-secret", url)

	evt, err := v.Verify(body, squareSignature("sq-secret", url, body))
	require.NoError(t, err)
	require.Equal(t, enums.ProviderSquare, evt.Provider)
	require.Equal(t, "sq-evt-1", evt.ID)
	require.Equal(t, "pay_1", evt.ObjectRef)
	require.Equal(t, enums.PaymentStatusPaid, evt.Status)
	require.EqualValues(t, 2500, evt.AmountCents)

	_, err = v.Verify(body, squareSignature("sq-secret", "https://other.example.com", body))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	_, err = v.Verify(body, "not base64!")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

func TestSquareVerifierRefund(t *testing.T) {
	body := []byte(`{"event_id":"sq-evt-2","type":"refund.updated","data":{"type":"refund","id":"rf_1","object":{"refund":{"id":"rf_1","payment_id":"pay_7","status":"COMPLETED"}}}}`)
	v := NewSquareVerifier("sq-secret", "")

	evt, err := v.Verify(body, squareSignature("sq-secret", "", body))
	require.NoError(t, err)
	require.Equal(t, "pay_7", evt.ObjectRef)
	require.Equal(t, enums.PaymentStatusRefunded, evt.Status)
}

func TestHMACVerifierAcceptsPrefixedAndBareHex(t *testing.T) {
	body := []byte(`{"id":"m-1","type":"payment.settled","object_ref":"manual-1","status":"paid","amount_cents":100}`)
	sig := hex.EncodeToString(SignHMAC([]byte("manual"), body))
	v := NewHMACVerifier(enums.ProviderManual, "manual")

	for _, header := range []string{sig, "sha256=" + sig} {
		evt, err := v.Verify(body, header)
		require.NoError(t, err)
		require.Equal(t, "m-1", evt.ID)
		require.Equal(t, enums.PaymentStatusPaid, evt.Status)
		require.Equal(t, "manual-1", evt.ObjectRef)
	}

	_, err := v.Verify(body, "sha256="+hex.EncodeToString(SignHMAC([]byte("other"), body)))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	reg.Register(enums.ProviderManual, NewHMACVerifier(enums.ProviderManual, "s"))

	_, err := reg.Verify("paypal", []byte(`{}`), "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnsupportedProvider))

	_, ok := reg.Lookup(enums.ProviderManual)
	require.True(t, ok)
}
