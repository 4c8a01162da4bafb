package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// WebhookSubscription is a tenant-configured delivery endpoint.
// EventTypes is a comma-separated filter; empty or "*" matches every event.
type WebhookSubscription struct {
	ID         uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	TenantID   uuid.UUID               `gorm:"column:tenant_id;type:uuid;not null;index"`
	StoreID    *uuid.UUID              `gorm:"column:store_id;type:uuid"`
	Transport  enums.DeliveryTransport `gorm:"column:transport;type:text;not null"`
	Endpoint   string                  `gorm:"column:endpoint;not null"`
	Secret     string                  `gorm:"column:secret;not null"`
	EventTypes string                  `gorm:"column:event_types;not null;default:'*'"`
	Active     bool                    `gorm:"column:active;not null;default:true"`
	CreatedAt  time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *WebhookSubscription) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// Matches reports whether the subscription wants the event for the given store.
func (s WebhookSubscription) Matches(eventType enums.OutboxEventType, storeID uuid.UUID) bool {
	if !s.Active {
		return false
	}
	if s.StoreID != nil && *s.StoreID != storeID {
		return false
	}
	filter := strings.TrimSpace(s.EventTypes)
	if filter == "" || filter == "*" {
		return true
	}
	for _, part := range strings.Split(filter, ",") {
		if strings.TrimSpace(part) == string(eventType) {
			return true
		}
	}
	return false
}

// WebhookOutbox is one pending outbound delivery to one subscription.
type WebhookOutbox struct {
	ID             uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	TenantID       uuid.UUID             `gorm:"column:tenant_id;type:uuid;not null"`
	StoreID        uuid.UUID             `gorm:"column:store_id;type:uuid;not null"`
	SubscriptionID uuid.UUID             `gorm:"column:subscription_id;type:uuid;not null;index"`
	EventType      enums.OutboxEventType `gorm:"column:event_type;type:text;not null"`
	Payload        json.RawMessage       `gorm:"column:payload;type:jsonb;not null"`
	Status         enums.OutboxStatus    `gorm:"column:status;type:text;not null;index:idx_webhook_outbox_due,priority:1"`
	Attempts       int                   `gorm:"column:attempts;not null;default:0"`
	NextRetryAt    *time.Time            `gorm:"column:next_retry_at;index:idx_webhook_outbox_due,priority:2"`
	LastError      *string               `gorm:"column:last_error"`
	SentAt         *time.Time            `gorm:"column:sent_at"`
	CreatedAt      time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_webhook_outbox_due,priority:3"`
	UpdatedAt      time.Time             `gorm:"column:updated_at;autoUpdateTime"`

	Subscription *WebhookSubscription `gorm:"foreignKey:SubscriptionID"`
}

func (WebhookOutbox) TableName() string {
	return "webhook_outbox"
}

func (o *WebhookOutbox) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}
