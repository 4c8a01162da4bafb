package webhooks

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (h *recordingHandler) HandleProviderEvent(_ context.Context, evt *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return h.err
}

type recordingAlerter struct {
	titles []string
	levels []enums.AlertLevel
}

func (a *recordingAlerter) Raise(_ context.Context, title string, _ map[string]any, opts alerts.Options) {
	a.titles = append(a.titles, title)
	a.levels = append(a.levels, opts.Level)
}

type outcomeCounter map[string]int

func (c outcomeCounter) IncInbound(provider, outcome string) { c[provider+":"+outcome]++ }

const manualSecret = "manual-secret"

func newPipeline(t *testing.T, handler EventHandler) (*Pipeline, *ReplayGuard, *recordingAlerter, outcomeCounter) {
	t.Helper()
	reg := NewRegistry()
	reg.Register(enums.ProviderManual, NewHMACVerifier(enums.ProviderManual, manualSecret))
	replay := newReplayGuard(t)
	alerter := &recordingAlerter{}
	counts := outcomeCounter{}
	p, err := NewPipeline(PipelineParams{
		Verifiers: reg,
		Replay:    replay,
		Handler:   handler,
		Alerter:   alerter,
		Metrics:   counts,
	})
	require.NoError(t, err)
	return p, replay, alerter, counts
}

func manualBody(id string) ([]byte, string) {
	body := []byte(`{"id":"` + id + `","type":"payment.settled","object_ref":"ref-1","status":"PAID"}`)
	return body, "sha256=" + hex.EncodeToString(SignHMAC([]byte(manualSecret), body))
}

func TestPipelineProcessesOnceAndDedupsReplays(t *testing.T) {
	handler := &recordingHandler{}
	p, replay, _, counts := newPipeline(t, handler)
	body, sig := manualBody("evt-1")

	res, err := p.Handle(context.Background(), "Manual", body, sig)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	res, err = p.Handle(context.Background(), "manual", body, sig)
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	require.Len(t, handler.events, 1)
	require.Equal(t, 1, counts["manual:processed"])
	require.Equal(t, 1, counts["manual:duplicate"])

	row, err := replay.Status(context.Background(), enums.ProviderManual, "evt-1")
	require.NoError(t, err)
	require.Equal(t, enums.WebhookEventProcessed, row.Status)
}

func TestPipelineRejectsBadSignatureWithoutClaiming(t *testing.T) {
	handler := &recordingHandler{}
	p, replay, _, counts := newPipeline(t, handler)
	body, _ := manualBody("evt-2")

	_, err := p.Handle(context.Background(), "manual", body, "sha256=00ff")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
	require.Empty(t, handler.events)
	require.Equal(t, 1, counts["manual:rejected"])

	_, err = replay.Status(context.Background(), enums.ProviderManual, "evt-2")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestPipelineUnknownProvider(t *testing.T) {
	p, _, _, _ := newPipeline(t, &recordingHandler{})
	_, err := p.Handle(context.Background(), "paypal", []byte(`{}`), "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnsupportedProvider))
}

func TestPipelineHandlerFailureKeepsClaimAndAlerts(t *testing.T) {
	handler := &recordingHandler{err: errors.New("payment not found")}
	p, replay, alerter, counts := newPipeline(t, handler)
	body, sig := manualBody("evt-3")

	_, err := p.Handle(context.Background(), "manual", body, sig)
	require.Error(t, err)
	require.Equal(t, 1, counts["manual:failed"])
	require.Equal(t, []enums.AlertLevel{enums.AlertCritical}, alerter.levels)

	row, err := replay.Status(context.Background(), enums.ProviderManual, "evt-3")
	require.NoError(t, err)
	require.Equal(t, enums.WebhookEventFailed, row.Status)

	// The provider's retry is absorbed by the claim.
	res, err := p.Handle(context.Background(), "manual", body, sig)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Len(t, handler.events, 1)
}
