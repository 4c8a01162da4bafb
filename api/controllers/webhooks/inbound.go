package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/commerce-core/api/responses"
	internalwebhooks "github.com/angelmondragon/commerce-core/internal/webhooks"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const maxPayloadBytes = 1 << 20

type Pipeline interface {
	SignatureHeader(providerName string) (string, error)
	Handle(ctx context.Context, providerName string, raw []byte, signature string) (internalwebhooks.Result, error)
}

type ackResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// Inbound receives a provider callback at /webhooks/{provider}. The raw body
// is verified before anything is parsed. A replayed event id is answered with
// 409 REPLAY_DETECTED and never reaches the handler twice.
func Inbound(pipeline Pipeline, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
		header, err := pipeline.SignatureHeader(name)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		signature := strings.TrimSpace(r.Header.Get(header))
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "signature header missing"))
			return
		}

		result, err := pipeline.Handle(ctx, name, payload, signature)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if result.Duplicate {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeReplayDetected, "event already processed"))
			return
		}

		ack := ackResponse{Received: true}
		if result.Event != nil {
			ack.EventID = result.Event.ID
			ack.EventType = result.Event.Type
		}
		responses.WriteSuccess(w, ack)
	}
}
