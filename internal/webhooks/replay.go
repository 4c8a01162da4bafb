package webhooks

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

const uniqueProviderEvent = "ux_webhook_events_provider_event"

const maxErrorLength = 1024

type store interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	Conn(ctx context.Context) *gorm.DB
}

// ReplayGuard claims (provider, event id) pairs in webhook_events. A claim
// commits on its own before the event is processed, so a concurrent or
// later delivery of the same event loses on the unique index.
type ReplayGuard struct {
	store store
	now   func() time.Time
}

func NewReplayGuard(store store) (*ReplayGuard, error) {
	if store == nil {
		return nil, errors.New("replay guard store required")
	}
	return &ReplayGuard{store: store, now: time.Now}, nil
}

// Claim records the event as RECEIVED. A duplicate returns CodeReplayDetected.
func (g *ReplayGuard) Claim(ctx context.Context, provider enums.PaymentProvider, eventID, eventType string) error {
	if strings.TrimSpace(eventID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	row := &models.WebhookEvent{
		Provider:   provider.String(),
		EventUUID:  eventID,
		EventType:  eventType,
		Status:     enums.WebhookEventReceived,
		ReceivedAt: g.now().UTC(),
	}
	err := g.store.WithTx(db.WithoutTx(ctx), func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err, uniqueProviderEvent) {
		return pkgerrors.New(pkgerrors.CodeReplayDetected, "event already processed").
			WithDetails(map[string]string{"provider": provider.String(), "event_id": eventID})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim webhook event")
}

func (g *ReplayGuard) MarkProcessed(ctx context.Context, provider enums.PaymentProvider, eventID string) error {
	now := g.now().UTC()
	return g.mark(ctx, provider, eventID, map[string]any{
		"status":       enums.WebhookEventProcessed,
		"processed_at": now,
		"error":        nil,
	})
}

func (g *ReplayGuard) MarkFailed(ctx context.Context, provider enums.PaymentProvider, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return g.mark(ctx, provider, eventID, map[string]any{
		"status": enums.WebhookEventFailed,
		"error":  msg,
	})
}

// Status returns the stored row for an event, or CodeNotFound.
func (g *ReplayGuard) Status(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.WebhookEvent, error) {
	var row models.WebhookEvent
	err := g.store.Conn(db.WithoutTx(ctx)).
		Where("provider = ? AND event_uuid = ?", provider.String(), eventID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook event")
	}
	return &row, nil
}

func (g *ReplayGuard) mark(ctx context.Context, provider enums.PaymentProvider, eventID string, updates map[string]any) error {
	res := g.store.Conn(db.WithoutTx(ctx)).
		Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_uuid = ?", provider.String(), eventID).
		Updates(updates)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update webhook event")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not claimed")
	}
	return nil
}
