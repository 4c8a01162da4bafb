package subscriptions

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/api/middleware"
	"github.com/angelmondragon/commerce-core/api/responses"
	"github.com/angelmondragon/commerce-core/api/validators"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

type Service interface {
	CreateSubscription(ctx context.Context, in outbox.SubscriptionInput) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error)
	Requeue(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookOutbox, error)
}

type createSubscriptionRequest struct {
	Transport  string   `json:"transport" validate:"required,oneof=http pubsub"`
	Endpoint   string   `json:"endpoint" validate:"required,max=2048"`
	Secret     string   `json:"secret" validate:"omitempty,min=16,max=256"`
	EventTypes []string `json:"event_types" validate:"max=32"`
	// StoreScoped limits delivery to events from the caller's store.
	StoreScoped bool `json:"store_scoped"`
}

type SubscriptionResponse struct {
	ID         uuid.UUID               `json:"id"`
	StoreID    *uuid.UUID              `json:"store_id,omitempty"`
	Transport  enums.DeliveryTransport `json:"transport"`
	Endpoint   string                  `json:"endpoint"`
	EventTypes []string                `json:"event_types"`
	Active     bool                    `json:"active"`
	// Secret is only returned when the subscription is created.
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type OutboxRowResponse struct {
	ID             uuid.UUID             `json:"id"`
	SubscriptionID uuid.UUID             `json:"subscription_id"`
	EventType      enums.OutboxEventType `json:"event_type"`
	Status         enums.OutboxStatus    `json:"status"`
	Attempts       int                   `json:"attempts"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty"`
	LastError      *string               `json:"last_error,omitempty"`
}

func newSubscriptionResponse(sub *models.WebhookSubscription, withSecret bool) SubscriptionResponse {
	out := SubscriptionResponse{
		ID:         sub.ID,
		StoreID:    sub.StoreID,
		Transport:  sub.Transport,
		Endpoint:   sub.Endpoint,
		EventTypes: strings.Split(sub.EventTypes, ","),
		Active:     sub.Active,
		CreatedAt:  sub.CreatedAt,
	}
	if withSecret {
		out.Secret = sub.Secret
	}
	return out
}

func Create(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSubscriptionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		scope := middleware.ScopeFromContext(r.Context())
		in := outbox.SubscriptionInput{
			TenantID:  scope.TenantID,
			Transport: enums.DeliveryTransport(req.Transport),
			Endpoint:  req.Endpoint,
			Secret:    req.Secret,
		}
		if req.StoreScoped {
			storeID := scope.StoreID
			in.StoreID = &storeID
		}
		for _, raw := range req.EventTypes {
			in.EventTypes = append(in.EventTypes, enums.OutboxEventType(strings.TrimSpace(raw)))
		}

		sub, err := svc.CreateSubscription(r.Context(), in)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub, true))
	}
}

func List(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := svc.ListSubscriptions(r.Context(), middleware.TenantIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]SubscriptionResponse, 0, len(subs))
		for i := range subs {
			out = append(out, newSubscriptionResponse(&subs[i], false))
		}
		responses.WriteSuccess(w, out)
	}
}

// Requeue puts a dead-lettered outbox row back in the dispatch queue.
func Requeue(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outboxID, err := validators.ParseUUIDParam(r, "outboxID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		row, err := svc.Requeue(r.Context(), middleware.TenantIDFromContext(r.Context()), outboxID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, OutboxRowResponse{
			ID:             row.ID,
			SubscriptionID: row.SubscriptionID,
			EventType:      row.EventType,
			Status:         row.Status,
			Attempts:       row.Attempts,
			NextRetryAt:    row.NextRetryAt,
			LastError:      row.LastError,
		})
	}
}
