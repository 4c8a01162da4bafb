package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// WebhookEvent is the inbound dedup record; its existence means the event was claimed.
type WebhookEvent struct {
	ID          uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	Provider    string                   `gorm:"column:provider;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventUUID   string                   `gorm:"column:event_uuid;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType   string                   `gorm:"column:event_type;not null;default:''"`
	Status      enums.WebhookEventStatus `gorm:"column:status;type:text;not null"`
	Error       *string                  `gorm:"column:error"`
	ReceivedAt  time.Time                `gorm:"column:received_at;not null"`
	ProcessedAt *time.Time               `gorm:"column:processed_at"`
}

func (e *WebhookEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
