package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

func newService(t *testing.T) (*Service, *Repository, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	return NewService(repo, nil), repo, conn
}

func subscribe(t *testing.T, svc *Service, tenant uuid.UUID, store *uuid.UUID, types ...enums.OutboxEventType) *models.WebhookSubscription {
	t.Helper()
	sub, err := svc.CreateSubscription(context.Background(), SubscriptionInput{
		TenantID:   tenant,
		StoreID:    store,
		Transport:  enums.TransportHTTP,
		Endpoint:   "https://hooks.example.com/" + uuid.NewString(),
		EventTypes: types,
	})
	require.NoError(t, err)
	return sub
}

func TestEnqueueFansOutToMatchingSubscriptions(t *testing.T) {
	svc, _, conn := newService(t)
	tenant, store, otherStore := uuid.New(), uuid.New(), uuid.New()

	all := subscribe(t, svc, tenant, nil)
	paidOnly := subscribe(t, svc, tenant, nil, enums.EventOrderPaid)
	subscribe(t, svc, tenant, &otherStore)
	subscribe(t, svc, uuid.New(), nil)

	var n int
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = svc.Enqueue(context.Background(), tx, Event{
			TenantID: tenant,
			StoreID:  store,
			Type:     enums.EventOrderCreated,
			Data:     map[string]string{"order_id": "o-1"},
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var rows []models.WebhookOutbox
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, all.ID, rows[0].SubscriptionID)
	require.Equal(t, enums.OutboxStatusPending, rows[0].Status)
	require.Zero(t, rows[0].Attempts)

	var env Envelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	require.Equal(t, envelopeVersion, env.Version)
	require.Equal(t, string(enums.EventOrderCreated), env.EventType)
	require.Equal(t, tenant, env.TenantID)
	require.JSONEq(t, `{"order_id":"o-1"}`, string(env.Data))

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		n, err = svc.Enqueue(context.Background(), tx, Event{TenantID: tenant, StoreID: store, Type: enums.EventOrderPaid})
		return err
	}))
	require.Equal(t, 2, n)

	var paid []models.WebhookOutbox
	require.NoError(t, conn.Where("event_type = ?", enums.EventOrderPaid).Find(&paid).Error)
	got := []uuid.UUID{paid[0].SubscriptionID, paid[1].SubscriptionID}
	require.ElementsMatch(t, []uuid.UUID{all.ID, paidOnly.ID}, got)
}

func TestEnqueueRollsBackWithCaller(t *testing.T) {
	svc, _, conn := newService(t)
	tenant := uuid.New()
	subscribe(t, svc, tenant, nil)

	boom := errors.New("domain write failed")
	err := conn.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.Enqueue(context.Background(), tx, Event{TenantID: tenant, StoreID: uuid.New(), Type: enums.EventOrderPaid}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&models.WebhookOutbox{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEnqueueRequiresTransaction(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Enqueue(context.Background(), nil, Event{Type: enums.EventOrderPaid})
	require.Error(t, err)
}

func TestCreateSubscriptionValidates(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := svc.CreateSubscription(ctx, SubscriptionInput{TenantID: tenant, Transport: enums.TransportHTTP, Endpoint: "ftp://x"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.CreateSubscription(ctx, SubscriptionInput{TenantID: tenant, Transport: "smtp", Endpoint: "a@b.c"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.CreateSubscription(ctx, SubscriptionInput{TenantID: tenant, Transport: enums.TransportPubSub, Endpoint: "orders", EventTypes: []enums.OutboxEventType{"nope"}})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	sub, err := svc.CreateSubscription(ctx, SubscriptionInput{TenantID: tenant, Transport: enums.TransportPubSub, Endpoint: "orders"})
	require.NoError(t, err)
	require.NotEmpty(t, sub.Secret)
	require.Equal(t, "*", sub.EventTypes)
}

func TestRequeueOnlyFailedRows(t *testing.T) {
	svc, repo, conn := newService(t)
	tenant := uuid.New()
	sub := subscribe(t, svc, tenant, nil)
	row := models.WebhookOutbox{
		TenantID:       tenant,
		StoreID:        uuid.New(),
		SubscriptionID: sub.ID,
		EventType:      enums.EventOrderPaid,
		Payload:        json.RawMessage(`{}`),
		Status:         enums.OutboxStatusPending,
	}
	require.NoError(t, repo.InsertTx(conn, []models.WebhookOutbox{row}))
	var stored models.WebhookOutbox
	require.NoError(t, conn.First(&stored).Error)

	_, err := svc.Requeue(context.Background(), tenant, stored.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	require.NoError(t, repo.MarkFailed(context.Background(), stored.ID, 10, errors.New("gone")))
	requeued, err := svc.Requeue(context.Background(), tenant, stored.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OutboxStatusPending, requeued.Status)
	require.Zero(t, requeued.Attempts)

	_, err = svc.Requeue(context.Background(), uuid.New(), stored.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
