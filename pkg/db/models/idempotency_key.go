package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// IdempotencyKey claims (key, route) before the handler runs and then holds
// the first response it produced.
type IdempotencyKey struct {
	ID           uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	Key          string                  `gorm:"column:key;not null;uniqueIndex:ux_idempotency_keys_key_route,priority:1"`
	Route        string                  `gorm:"column:route;not null;uniqueIndex:ux_idempotency_keys_key_route,priority:2"`
	RequestHash  string                  `gorm:"column:request_hash;not null"`
	Status       enums.IdempotencyStatus `gorm:"column:status;not null;default:'IN_PROGRESS'"`
	StatusCode   int                     `gorm:"column:status_code;not null;default:0"`
	ResponseBody []byte                  `gorm:"column:response_body"`
	ContentType  string                  `gorm:"column:content_type;not null;default:''"`
	ExpiresAt    time.Time               `gorm:"column:expires_at;not null;index"`
	CreatedAt    time.Time               `gorm:"column:created_at;autoCreateTime"`
}

func (k *IdempotencyKey) BeforeCreate(*gorm.DB) error {
	ensureID(&k.ID)
	return nil
}
