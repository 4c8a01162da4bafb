package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const envelopeVersion = 1

// ActorRef identifies who produced the event.
type ActorRef struct {
	ActorID uuid.UUID `json:"actorId"`
	Role    string    `json:"role,omitempty"`
}

// Envelope is the stable body delivered to subscribers and stored in
// webhook_outbox.payload.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	TenantID   uuid.UUID       `json:"tenantId"`
	StoreID    uuid.UUID       `json:"storeId"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Actor builds an ActorRef, or nil for system-initiated events.
func Actor(actorID *uuid.UUID, role string) *ActorRef {
	if actorID == nil || *actorID == uuid.Nil {
		return nil
	}
	return &ActorRef{ActorID: *actorID, Role: role}
}
