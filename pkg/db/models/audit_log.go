package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog is an immutable record of who changed what.
type AuditLog struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	ActorID    *uuid.UUID      `gorm:"column:actor_id;type:uuid"`
	Action     string          `gorm:"column:action;not null"`
	TargetType string          `gorm:"column:target_type;not null;index:idx_audit_logs_target,priority:1"`
	TargetID   uuid.UUID       `gorm:"column:target_id;type:uuid;not null;index:idx_audit_logs_target,priority:2"`
	Context    json.RawMessage `gorm:"column:context;type:jsonb"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (a *AuditLog) BeforeCreate(*gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
