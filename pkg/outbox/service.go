package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

// Event is a domain event to fan out to the tenant's subscriptions.
type Event struct {
	TenantID   uuid.UUID
	StoreID    uuid.UUID
	Type       enums.OutboxEventType
	Actor      *ActorRef
	Data       any
	OccurredAt time.Time
}

type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Enqueue writes one PENDING row per matching subscription inside tx, so the
// rows commit or roll back with the state change that produced them. It
// returns how many rows were written.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, event Event) (int, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	if !event.Type.IsValid() {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type")
	}
	subs, err := s.repo.ActiveSubscriptionsTx(tx, event.TenantID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook subscriptions")
	}

	var targets []models.WebhookSubscription
	for _, sub := range subs {
		if sub.Matches(event.Type, event.StoreID) {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	payload, err := s.envelope(event)
	if err != nil {
		return 0, err
	}
	rows := make([]models.WebhookOutbox, 0, len(targets))
	for _, sub := range targets {
		rows = append(rows, models.WebhookOutbox{
			TenantID:       event.TenantID,
			StoreID:        event.StoreID,
			SubscriptionID: sub.ID,
			EventType:      event.Type,
			Payload:        payload,
			Status:         enums.OutboxStatusPending,
		})
	}
	if err := s.repo.InsertTx(tx, rows); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert outbox rows")
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_type":    event.Type,
			"tenant_id":     event.TenantID.String(),
			"subscriptions": len(rows),
		})
		s.logg.Info(logCtx, "outbox event queued")
	}
	return len(rows), nil
}

func (s *Service) envelope(event Event) (json.RawMessage, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode event data")
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	env := Envelope{
		Version:    envelopeVersion,
		EventID:    uuid.NewString(),
		EventType:  string(event.Type),
		OccurredAt: occurred.UTC(),
		TenantID:   event.TenantID,
		StoreID:    event.StoreID,
		Actor:      event.Actor,
		Data:       data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode envelope")
	}
	return out, nil
}

// SubscriptionInput registers a delivery target for a tenant.
type SubscriptionInput struct {
	TenantID   uuid.UUID
	StoreID    *uuid.UUID
	Transport  enums.DeliveryTransport
	Endpoint   string
	Secret     string
	EventTypes []enums.OutboxEventType
}

func (s *Service) CreateSubscription(ctx context.Context, in SubscriptionInput) (*models.WebhookSubscription, error) {
	if in.TenantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant is required")
	}
	if !in.Transport.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported transport")
	}
	endpoint := strings.TrimSpace(in.Endpoint)
	if err := validateEndpoint(in.Transport, endpoint); err != nil {
		return nil, err
	}
	filter := make([]string, 0, len(in.EventTypes))
	for _, t := range in.EventTypes {
		if !t.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown event type").
				WithDetails(map[string]string{"event_type": string(t)})
		}
		filter = append(filter, string(t))
	}
	eventTypes := "*"
	if len(filter) > 0 {
		eventTypes = strings.Join(filter, ",")
	}
	secret := strings.TrimSpace(in.Secret)
	if secret == "" {
		secret = "whsec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	sub := &models.WebhookSubscription{
		TenantID:   in.TenantID,
		StoreID:    in.StoreID,
		Transport:  in.Transport,
		Endpoint:   endpoint,
		Secret:     secret,
		EventTypes: eventTypes,
		Active:     true,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
	}
	return sub, nil
}

func (s *Service) ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	subs, err := s.repo.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	return subs, nil
}

// Requeue puts a dead-lettered row back into the dispatch queue.
func (s *Service) Requeue(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookOutbox, error) {
	changed, err := s.repo.Requeue(ctx, tenantID, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "requeue outbox row")
	}
	row, err := s.repo.FindByID(ctx, tenantID, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "outbox row not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load outbox row")
	}
	if !changed {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only FAILED rows can be requeued").
			WithDetails(map[string]string{"status": string(row.Status)})
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "outbox_id", id.String()), "outbox row requeued")
	}
	return row, nil
}

func validateEndpoint(transport enums.DeliveryTransport, endpoint string) error {
	if endpoint == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "endpoint is required")
	}
	if transport != enums.TransportHTTP {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return pkgerrors.New(pkgerrors.CodeValidation, "endpoint must be an http(s) URL")
	}
	return nil
}
