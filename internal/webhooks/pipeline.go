package webhooks

import (
	"context"
	"errors"
	"strings"

	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

// EventHandler applies a verified, claimed event to the domain.
type EventHandler interface {
	HandleProviderEvent(ctx context.Context, evt *Event) error
}

type replayGuard interface {
	Claim(ctx context.Context, provider enums.PaymentProvider, eventID, eventType string) error
	MarkProcessed(ctx context.Context, provider enums.PaymentProvider, eventID string) error
	MarkFailed(ctx context.Context, provider enums.PaymentProvider, eventID string, cause error) error
}

type inboundMetrics interface {
	IncInbound(provider, outcome string)
}

const (
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
)

type PipelineParams struct {
	Verifiers *Registry
	Replay    replayGuard
	Handler   EventHandler
	Alerter   alerts.Alerter
	Metrics   inboundMetrics
	Logger    *logger.Logger
}

// Pipeline runs verify, claim, handle and mark for one inbound callback.
type Pipeline struct {
	verifiers *Registry
	replay    replayGuard
	handler   EventHandler
	alerter   alerts.Alerter
	metrics   inboundMetrics
	logger    *logger.Logger
}

// Result reports what happened to an accepted callback.
type Result struct {
	Event     *Event
	Duplicate bool
}

func NewPipeline(params PipelineParams) (*Pipeline, error) {
	if params.Verifiers == nil {
		return nil, errors.New("verifier registry required")
	}
	if params.Replay == nil {
		return nil, errors.New("replay guard required")
	}
	if params.Handler == nil {
		return nil, errors.New("event handler required")
	}
	alerter := params.Alerter
	if alerter == nil {
		alerter = alerts.Nop{}
	}
	return &Pipeline{
		verifiers: params.Verifiers,
		replay:    params.Replay,
		handler:   params.Handler,
		alerter:   alerter,
		metrics:   params.Metrics,
		logger:    params.Logger,
	}, nil
}

// SignatureHeader resolves the header a provider's callbacks are signed in.
func (p *Pipeline) SignatureHeader(providerName string) (string, error) {
	return p.verifiers.SignatureHeader(parseProvider(providerName))
}

func parseProvider(name string) enums.PaymentProvider {
	return enums.PaymentProvider(strings.ToLower(strings.TrimSpace(name)))
}

// Handle processes one raw callback. Duplicates are reported through
// Result.Duplicate; the caller decides how to surface the replay.
// A handler failure leaves the claim in place as FAILED and raises a
// critical alert; the event needs manual follow-up.
func (p *Pipeline) Handle(ctx context.Context, providerName string, raw []byte, signature string) (Result, error) {
	provider := parseProvider(providerName)
	if p.logger != nil {
		ctx = p.logger.WithField(ctx, "provider", provider.String())
	}

	evt, err := p.verifiers.Verify(provider, raw, signature)
	if err != nil {
		p.observe(provider, outcomeRejected)
		p.warn(ctx, "webhook.rejected", err)
		return Result{}, err
	}
	if p.logger != nil {
		ctx = p.logger.WithFields(ctx, map[string]any{"event_id": evt.ID, "event_type": evt.Type})
	}

	if err := p.replay.Claim(ctx, provider, evt.ID, evt.Type); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeReplayDetected) {
			p.observe(provider, outcomeDuplicate)
			if p.logger != nil {
				p.logger.Info(ctx, "webhook.duplicate")
			}
			return Result{Event: evt, Duplicate: true}, nil
		}
		return Result{}, err
	}

	if err := p.handler.HandleProviderEvent(ctx, evt); err != nil {
		p.observe(provider, outcomeFailed)
		if markErr := p.replay.MarkFailed(ctx, provider, evt.ID, err); markErr != nil && p.logger != nil {
			p.logger.Error(ctx, "webhook.mark_failed_error", markErr)
		}
		p.alerter.Raise(ctx, "inbound webhook handler failed", map[string]any{
			"provider":   provider.String(),
			"event_id":   evt.ID,
			"event_type": evt.Type,
			"error":      err.Error(),
		}, alerts.Options{Level: enums.AlertCritical, Scope: "webhooks." + provider.String()})
		return Result{Event: evt}, err
	}

	if err := p.replay.MarkProcessed(ctx, provider, evt.ID); err != nil && p.logger != nil {
		p.logger.Error(ctx, "webhook.mark_processed_error", err)
	}
	p.observe(provider, outcomeProcessed)
	if p.logger != nil {
		p.logger.Info(ctx, "webhook.processed")
	}
	return Result{Event: evt}, nil
}

func (p *Pipeline) observe(provider enums.PaymentProvider, outcome string) {
	if p.metrics != nil {
		p.metrics.IncInbound(provider.String(), outcome)
	}
}

func (p *Pipeline) warn(ctx context.Context, msg string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Warn(p.logger.WithField(ctx, "error", err.Error()), msg)
}
