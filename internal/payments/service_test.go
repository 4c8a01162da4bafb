package payments

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/audit"
	"github.com/angelmondragon/commerce-core/internal/inventory"
	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/internal/providers"
	"github.com/angelmondragon/commerce-core/internal/webhooks"
	"github.com/angelmondragon/commerce-core/pkg/alerts"
	"github.com/angelmondragon/commerce-core/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

// fakeAdapter stands in for a remote provider with scripted statuses.
type fakeAdapter struct {
	intentStatus enums.PaymentStatus
	lookupStatus enums.PaymentStatus
	refundStatus enums.PaymentStatus
	refunds      []providers.RefundRequest
	intents      int32
}

func (f *fakeAdapter) Provider() enums.PaymentProvider { return enums.ProviderStripe }

func (f *fakeAdapter) CreateIntent(_ context.Context, req providers.IntentRequest) (*providers.IntentResult, error) {
	atomic.AddInt32(&f.intents, 1)
	status := f.intentStatus
	if status == "" {
		status = enums.PaymentStatusPending
	}
	return &providers.IntentResult{ProviderRef: "pi_" + uuid.NewString(), Status: status, Snapshot: json.RawMessage(`{"object":"payment_intent"}`)}, nil
}

func (f *fakeAdapter) Lookup(_ context.Context, ref string) (*providers.LookupResult, error) {
	return &providers.LookupResult{ProviderRef: ref, Status: f.lookupStatus}, nil
}

func (f *fakeAdapter) Refund(_ context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	f.refunds = append(f.refunds, req)
	return &providers.RefundResult{RefundRef: "re_1", Status: f.refundStatus}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
	levels []enums.AlertLevel
}

func (r *recordingAlerter) Raise(_ context.Context, title string, _ map[string]any, opts alerts.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.levels = append(r.levels, opts.Level)
}

// flakyOutbox fails the first Enqueue with a serialization failure so the
// surrounding transaction is replayed.
type flakyOutbox struct {
	next   outboxEnqueuer
	failed bool
}

func (f *flakyOutbox) Enqueue(ctx context.Context, tx *gorm.DB, event outbox.Event) (int, error) {
	if !f.failed {
		f.failed = true
		return 0, &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	return f.next.Enqueue(ctx, tx, event)
}

type fixture struct {
	params  ServiceParams
	svc     *Service
	orders  *orders.Service
	conn    *gorm.DB
	stripe  *fakeAdapter
	alerter *recordingAlerter
	scope   inventory.Scope
	product uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, conn := dbtest.Client(t)
	coord, err := inventory.NewCoordinator(client, nil)
	require.NoError(t, err)
	outboxSvc := outbox.NewService(outbox.NewRepository(conn), nil)
	rec, err := audit.NewDBRecorder(audit.NewRepository(conn), nil)
	require.NoError(t, err)
	orderSvc, err := orders.NewService(client, orders.NewRepository(conn), coord, outboxSvc, rec, nil)
	require.NoError(t, err)

	stripe := &fakeAdapter{}
	registry := providers.NewRegistry(nil, nil)
	require.NoError(t, registry.Register(providers.NewManualAdapter()))
	require.NoError(t, registry.Register(stripe))

	alerter := &recordingAlerter{}
	params := ServiceParams{
		DB:         client,
		Repository: NewRepository(conn),
		Orders:     orderSvc,
		Providers:  registry,
		Outbox:     outboxSvc,
		Audit:      rec,
		Alerts:     alerter,
	}
	svc, err := NewService(params)
	require.NoError(t, err)

	scope := inventory.Scope{TenantID: uuid.New(), StoreID: uuid.New()}
	_, err = outboxSvc.CreateSubscription(context.Background(), outbox.SubscriptionInput{
		TenantID:  scope.TenantID,
		Transport: enums.TransportHTTP,
		Endpoint:  "https://hooks.example.com/payments",
	})
	require.NoError(t, err)

	product := uuid.New()
	require.NoError(t, conn.Create(&models.InventoryItem{
		TenantID:     scope.TenantID,
		StoreID:      scope.StoreID,
		ProductID:    product,
		Available:    20,
		CurrentStock: 20,
	}).Error)

	return &fixture{params: params, svc: svc, orders: orderSvc, conn: conn, stripe: stripe, alerter: alerter, scope: scope, product: product}
}

// order places a 7.00 order for two units.
func (f *fixture) order(t *testing.T) *models.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), orders.CreateInput{
		TenantID: f.scope.TenantID,
		StoreID:  f.scope.StoreID,
		Items:    []orders.ItemInput{{ProductID: f.product, Quantity: 2, UnitPrice: decimal.RequireFromString("3.50")}},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) pay(t *testing.T, order *models.Order, provider enums.PaymentProvider, amount string, partial bool) *models.Payment {
	t.Helper()
	payment, err := f.svc.Create(context.Background(), CreateInput{
		TenantID:  f.scope.TenantID,
		OrderID:   order.ID,
		Amount:    decimal.RequireFromString(amount),
		Provider:  provider,
		IsPartial: partial,
	})
	require.NoError(t, err)
	return payment
}

func (f *fixture) settle(t *testing.T, payment *models.Payment, status enums.PaymentStatus) error {
	t.Helper()
	require.NotNil(t, payment.ProviderRef)
	return f.svc.HandleProviderEvent(context.Background(), &webhooks.Event{
		Provider:  payment.Provider,
		ID:        "evt_" + uuid.NewString(),
		Type:      "payment.updated",
		ObjectRef: *payment.ProviderRef,
		Status:    status,
	})
}

func (f *fixture) reloadOrder(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	order, err := f.orders.Get(context.Background(), f.scope.TenantID, id)
	require.NoError(t, err)
	return order
}

func (f *fixture) reloadPayment(t *testing.T, id uuid.UUID) *models.Payment {
	t.Helper()
	payment, err := f.svc.Get(context.Background(), f.scope.TenantID, id)
	require.NoError(t, err)
	return payment
}

func (f *fixture) events(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.WebhookOutbox{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func (f *fixture) stock(t *testing.T) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	require.NoError(t, f.conn.First(&item, "product_id = ?", f.product).Error)
	return item
}

func TestCreateMovesOrderToPaymentPending(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)

	payment := f.pay(t, order, enums.ProviderManual, "7.00", false)

	assert.Equal(t, enums.PaymentStatusPending, payment.Status)
	assert.Equal(t, enums.CurrencyUSD, payment.Currency)
	require.NotNil(t, payment.ProviderRef)
	assert.Contains(t, *payment.ProviderRef, "manual_")
	assert.Equal(t, enums.OrderStatusPaymentPending, f.reloadOrder(t, order.ID).Status)
	assert.EqualValues(t, 1, f.events(t, enums.EventPaymentCreated))
}

func TestCreateReplaysTransientFailureWithoutSecondIntent(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)

	params := f.params
	params.Outbox = &flakyOutbox{next: f.params.Outbox}
	svc, err := NewService(params)
	require.NoError(t, err)

	payment, err := svc.Create(context.Background(), CreateInput{
		TenantID: f.scope.TenantID,
		OrderID:  order.ID,
		Amount:   decimal.RequireFromString("7.00"),
		Provider: enums.ProviderStripe,
	})
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.stripe.intents))
	assert.Equal(t, payment.ID, f.reloadPayment(t, payment.ID).ID)
	assert.Equal(t, enums.OrderStatusPaymentPending, f.reloadOrder(t, order.ID).Status)
	assert.EqualValues(t, 1, f.events(t, enums.EventPaymentCreated))

	var rows int64
	require.NoError(t, f.conn.Model(&models.Payment{}).Where("order_id = ?", order.ID).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestCreateEnforcesOrderBalance(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("5.00"), Provider: enums.ProviderManual})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "non-partial below balance: %v", err)

	f.pay(t, order, enums.ProviderManual, "5.00", true)

	_, err = f.svc.Create(ctx, CreateInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("2.01"), Provider: enums.ProviderManual, IsPartial: true})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "overpayment: %v", err)

	_, err = f.svc.Create(ctx, CreateInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("2.00"), Currency: enums.CurrencyEUR, Provider: enums.ProviderManual})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "currency mismatch: %v", err)

	f.pay(t, order, enums.ProviderManual, "2.00", false)
}

func TestCreateRejectsUnpayableOrders(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("7.00"), Provider: enums.ProviderSquare})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnsupportedProvider), "got %v", err)

	_, err = f.svc.Create(ctx, CreateInput{TenantID: uuid.New(), OrderID: order.ID, Amount: decimal.RequireFromString("7.00"), Provider: enums.ProviderManual})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	_, err = f.orders.Cancel(ctx, orders.CancelInput{TenantID: f.scope.TenantID, OrderID: order.ID})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("7.00"), Provider: enums.ProviderManual})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
}

func TestProviderEventSettlesOrderAndCommitsInventory(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	payment := f.pay(t, order, enums.ProviderManual, "7.00", false)

	require.NoError(t, f.settle(t, payment, enums.PaymentStatusPaid))

	paid := f.reloadPayment(t, payment.ID)
	assert.Equal(t, enums.PaymentStatusPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)

	settled := f.reloadOrder(t, order.ID)
	assert.Equal(t, enums.OrderStatusPaid, settled.Status)
	assert.True(t, settled.InventoryCommitted)
	item := f.stock(t)
	assert.Equal(t, 18, item.CurrentStock)
	assert.Equal(t, 0, item.Reserved)
	assert.EqualValues(t, 1, f.events(t, enums.EventPaymentPaid))
	assert.EqualValues(t, 1, f.events(t, enums.EventOrderPaid))

	// A second callback for the same state changes nothing.
	require.NoError(t, f.settle(t, payment, enums.PaymentStatusPaid))
	assert.EqualValues(t, 1, f.events(t, enums.EventPaymentPaid))
	assert.Equal(t, 18, f.stock(t).CurrentStock)
}

func TestPartialPaymentsSettleOnTheLastOne(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	first := f.pay(t, order, enums.ProviderManual, "3.50", true)
	second := f.pay(t, order, enums.ProviderManual, "3.50", true)

	require.NoError(t, f.settle(t, first, enums.PaymentStatusPaid))
	assert.Equal(t, enums.OrderStatusPaymentPending, f.reloadOrder(t, order.ID).Status)

	require.NoError(t, f.settle(t, second, enums.PaymentStatusPaid))
	assert.Equal(t, enums.OrderStatusPaid, f.reloadOrder(t, order.ID).Status)

	summary, err := f.svc.ListForOrder(context.Background(), f.scope.TenantID, order.ID)
	require.NoError(t, err)
	assert.Len(t, summary.Payments, 2)
	assert.True(t, summary.Settled.Equal(decimal.RequireFromString("7.00")))
	assert.True(t, summary.Outstanding.IsZero())
}

func TestProviderEventEdgeCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.HandleProviderEvent(ctx, &webhooks.Event{Provider: enums.ProviderManual, ID: "evt_x", ObjectRef: "manual_missing", Status: enums.PaymentStatusPaid})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	require.NoError(t, f.svc.HandleProviderEvent(ctx, &webhooks.Event{Provider: enums.ProviderManual, ID: "evt_y", Type: "customer.updated"}))

	order := f.order(t)
	payment := f.pay(t, order, enums.ProviderManual, "7.00", false)
	err = f.settle(t, payment, enums.PaymentStatusRefunded)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition), "got %v", err)
	assert.Equal(t, enums.PaymentStatusPending, f.reloadPayment(t, payment.ID).Status)
}

func TestSynchronousProviderSettlement(t *testing.T) {
	f := newFixture(t)
	f.stripe.intentStatus = enums.PaymentStatusPaid
	order := f.order(t)

	payment := f.pay(t, order, enums.ProviderStripe, "7.00", false)

	assert.Equal(t, enums.PaymentStatusPaid, payment.Status)
	assert.Equal(t, enums.OrderStatusPaid, f.reloadOrder(t, order.ID).Status)
}

func TestFailedPaymentCanBeRetried(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	payment := f.pay(t, order, enums.ProviderManual, "7.00", false)

	require.NoError(t, f.settle(t, payment, enums.PaymentStatusFailed))
	failed := f.reloadPayment(t, payment.ID)
	assert.Equal(t, enums.PaymentStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.EqualValues(t, 1, f.events(t, enums.EventPaymentFailed))
	assert.Equal(t, enums.OrderStatusPaymentPending, f.reloadOrder(t, order.ID).Status)

	retried, err := f.svc.Retry(context.Background(), PaymentRef{TenantID: f.scope.TenantID, PaymentID: payment.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, retried.Status)
	assert.Nil(t, f.reloadPayment(t, payment.ID).FailureReason)

	_, err = f.svc.Retry(context.Background(), PaymentRef{TenantID: f.scope.TenantID, PaymentID: payment.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition), "got %v", err)
}

func TestRetryRespectsOrderBalance(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	failed := f.pay(t, order, enums.ProviderManual, "7.00", false)
	require.NoError(t, f.settle(t, failed, enums.PaymentStatusFailed))
	f.pay(t, order, enums.ProviderManual, "7.00", false)

	_, err := f.svc.Retry(context.Background(), PaymentRef{TenantID: f.scope.TenantID, PaymentID: failed.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	f.stripe.intentStatus = enums.PaymentStatusPaid
	payment := f.pay(t, order, enums.ProviderStripe, "7.00", false)
	ctx := context.Background()

	_, err := f.svc.Refund(ctx, RefundInput{TenantID: f.scope.TenantID, PaymentID: payment.ID, Amount: decimal.RequireFromString("8.00")})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	f.stripe.refundStatus = enums.PaymentStatusFailed
	_, err = f.svc.Refund(ctx, RefundInput{TenantID: f.scope.TenantID, PaymentID: payment.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency), "got %v", err)

	f.stripe.refundStatus = enums.PaymentStatusPending
	pending, err := f.svc.Refund(ctx, RefundInput{TenantID: f.scope.TenantID, PaymentID: payment.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, pending.Status)

	f.stripe.refundStatus = enums.PaymentStatusRefunded
	refunded, err := f.svc.Refund(ctx, RefundInput{TenantID: f.scope.TenantID, PaymentID: payment.ID, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)
	assert.EqualValues(t, 1, f.events(t, enums.EventPaymentRefunded))
	require.Len(t, f.stripe.refunds, 3)
	assert.True(t, f.stripe.refunds[2].Amount.Equal(decimal.RequireFromString("7.00")))
	assert.Equal(t, "refund:"+payment.ID.String(), f.stripe.refunds[2].IdempotencyKey)

	_, err = f.svc.Refund(ctx, RefundInput{TenantID: f.scope.TenantID, PaymentID: payment.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition), "got %v", err)
}

func TestSyncAppliesProviderStatus(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	payment := f.pay(t, order, enums.ProviderStripe, "7.00", false)
	ref := PaymentRef{TenantID: f.scope.TenantID, PaymentID: payment.ID}

	unchanged, err := f.svc.Sync(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, unchanged.Status)

	f.stripe.lookupStatus = enums.PaymentStatusPaid
	synced, err := f.svc.Sync(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, synced.Status)
	assert.Equal(t, enums.OrderStatusPaid, f.reloadOrder(t, order.ID).Status)
}

func TestCashierReconciliationSettlesOrder(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	cashier, manager := uuid.New(), uuid.New()
	ctx := context.Background()

	declared, err := f.svc.DeclareCashier(ctx, CashierInput{
		TenantID:   f.scope.TenantID,
		OrderID:    order.ID,
		Amount:     decimal.RequireFromString("7.00"),
		DeclaredBy: cashier,
		Notes:      "cash drawer 2",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.CashierStatusDeclared, declared.Status)
	assert.Equal(t, enums.OrderStatusPaymentPending, f.reloadOrder(t, order.ID).Status)

	_, err = f.svc.TransitionCashier(ctx, CashierTransitionInput{TenantID: f.scope.TenantID, CashierPaymentID: declared.ID, To: enums.CashierStatusReconciled, ActorID: manager})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidTransition), "got %v", err)

	verified, err := f.svc.TransitionCashier(ctx, CashierTransitionInput{TenantID: f.scope.TenantID, CashierPaymentID: declared.ID, To: enums.CashierStatusVerified, ActorID: manager})
	require.NoError(t, err)
	require.NotNil(t, verified.VerifiedBy)
	assert.Equal(t, manager, *verified.VerifiedBy)
	assert.Equal(t, enums.OrderStatusPaymentPending, f.reloadOrder(t, order.ID).Status)

	reconciled, err := f.svc.TransitionCashier(ctx, CashierTransitionInput{TenantID: f.scope.TenantID, CashierPaymentID: declared.ID, To: enums.CashierStatusReconciled, ActorID: manager, Notes: "counted"})
	require.NoError(t, err)
	assert.Equal(t, enums.CashierStatusReconciled, reconciled.Status)
	require.NotNil(t, reconciled.Notes)
	assert.Equal(t, "cash drawer 2\ncounted", *reconciled.Notes)

	settled := f.reloadOrder(t, order.ID)
	assert.Equal(t, enums.OrderStatusPaid, settled.Status)
	assert.True(t, settled.InventoryCommitted)
	assert.EqualValues(t, 3, f.events(t, enums.EventCashierRecorded))
}

func TestVoidedCashierPaymentFreesBalance(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	ctx := context.Background()

	declared, err := f.svc.DeclareCashier(ctx, CashierInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("7.00"), DeclaredBy: uuid.New()})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateInput{TenantID: f.scope.TenantID, OrderID: order.ID, Amount: decimal.RequireFromString("7.00"), Provider: enums.ProviderManual})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	_, err = f.svc.TransitionCashier(ctx, CashierTransitionInput{TenantID: f.scope.TenantID, CashierPaymentID: declared.ID, To: enums.CashierStatusVoided, ActorID: uuid.New()})
	require.NoError(t, err)
	f.pay(t, order, enums.ProviderManual, "7.00", false)
}

func TestPaymentSettledOnCancelledOrderRaisesAlert(t *testing.T) {
	f := newFixture(t)
	order := f.order(t)
	payment := f.pay(t, order, enums.ProviderManual, "7.00", false)
	_, err := f.orders.Cancel(context.Background(), orders.CancelInput{TenantID: f.scope.TenantID, OrderID: order.ID, Reason: "timeout"})
	require.NoError(t, err)

	require.NoError(t, f.settle(t, payment, enums.PaymentStatusPaid))

	assert.Equal(t, enums.PaymentStatusPaid, f.reloadPayment(t, payment.ID).Status)
	assert.Equal(t, enums.OrderStatusCancelled, f.reloadOrder(t, order.ID).Status)
	require.Len(t, f.alerter.titles, 1)
	assert.Equal(t, enums.AlertCritical, f.alerter.levels[0])
}
