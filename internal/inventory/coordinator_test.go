package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

func newCoordinator(t *testing.T) (*Coordinator, *gorm.DB, Scope) {
	t.Helper()
	client, conn := dbtest.Client(t)
	c, err := NewCoordinator(client, nil)
	require.NoError(t, err)
	return c, conn, Scope{TenantID: uuid.New(), StoreID: uuid.New()}
}

func seedItem(t *testing.T, conn *gorm.DB, scope Scope, available int) uuid.UUID {
	t.Helper()
	productID := uuid.New()
	require.NoError(t, conn.Create(&models.InventoryItem{
		TenantID:     scope.TenantID,
		StoreID:      scope.StoreID,
		ProductID:    productID,
		Available:    available,
		CurrentStock: available,
	}).Error)
	return productID
}

func seedOrder(t *testing.T, conn *gorm.DB, scope Scope, status enums.OrderStatus, lines ...Line) *models.Order {
	t.Helper()
	order := &models.Order{
		TenantID:    scope.TenantID,
		StoreID:     scope.StoreID,
		Status:      status,
		Currency:    enums.CurrencyUSD,
		TotalAmount: decimal.NewFromInt(10),
	}
	for _, line := range lines {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: decimal.NewFromInt(1),
		})
	}
	require.NoError(t, conn.Create(order).Error)
	return order
}

func fetchItem(t *testing.T, conn *gorm.DB, productID uuid.UUID) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	require.NoError(t, conn.First(&item, "product_id = ?", productID).Error)
	return item
}

func countMovements(t *testing.T, conn *gorm.DB, productID uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&models.InventoryMovement{}).Where("product_id = ?", productID).Count(&n).Error)
	return n
}

func TestReserveIsAllOrNothing(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	ctx := context.Background()
	p1 := seedItem(t, conn, scope, 5)
	p2 := seedItem(t, conn, scope, 1)

	err := c.Reserve(ctx, scope, []Line{{ProductID: p1, Quantity: 3}, {ProductID: p2, Quantity: 2}})
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, p2, stockErr.ProductID)

	first := fetchItem(t, conn, p1)
	require.Equal(t, 5, first.Available)
	require.Equal(t, 0, first.Reserved)
	second := fetchItem(t, conn, p2)
	require.Equal(t, 1, second.Available)
	require.Equal(t, 0, second.Reserved)
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	p1 := seedItem(t, conn, scope, 5)

	require.NoError(t, c.Reserve(context.Background(), scope, []Line{
		{ProductID: p1, Quantity: 2},
		{ProductID: p1, Quantity: 2},
	}))

	item := fetchItem(t, conn, p1)
	require.Equal(t, 1, item.Available)
	require.Equal(t, 4, item.Reserved)
	require.Equal(t, 5, item.CurrentStock)
}

func TestReserveRejectsInvalidLines(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	p1 := seedItem(t, conn, scope, 5)
	ctx := context.Background()

	err := c.Reserve(ctx, scope, []Line{{ProductID: p1, Quantity: 0}})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = c.Reserve(ctx, scope, nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = c.Reserve(ctx, Scope{}, []Line{{ProductID: p1, Quantity: 1}})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestReserveUnknownProductIsInsufficient(t *testing.T) {
	c, _, scope := newCoordinator(t)
	err := c.Reserve(context.Background(), scope, []Line{{ProductID: uuid.New(), Quantity: 1}})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
}

func TestConcurrentReservationsOnlyOneWins(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	p1 := seedItem(t, conn, scope, 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Reserve(context.Background(), scope, []Line{{ProductID: p1, Quantity: 3}})
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, insufficient)

	item := fetchItem(t, conn, p1)
	require.Equal(t, 2, item.Available)
	require.Equal(t, 3, item.Reserved)
}

func TestCommitTwiceWritesOneMovement(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	ctx := context.Background()
	p1 := seedItem(t, conn, scope, 5)
	require.NoError(t, c.Reserve(ctx, scope, []Line{{ProductID: p1, Quantity: 2}}))
	order := seedOrder(t, conn, scope, enums.OrderStatusPaid, Line{ProductID: p1, Quantity: 2})

	first, err := c.Commit(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, first.Committed)

	second, err := c.Commit(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, second.Committed)
	require.Equal(t, reasonAlreadyCommitted, second.Reason)

	item := fetchItem(t, conn, p1)
	require.Equal(t, 3, item.Available)
	require.Equal(t, 0, item.Reserved)
	require.Equal(t, 3, item.CurrentStock)
	require.EqualValues(t, 1, countMovements(t, conn, p1))

	var movement models.InventoryMovement
	require.NoError(t, conn.First(&movement, "product_id = ?", p1).Error)
	require.Equal(t, enums.MovementSale, movement.Type)
	require.Equal(t, -2, movement.QuantityDelta)
	require.Equal(t, 5, movement.PreviousStock)
	require.Equal(t, 3, movement.NewStock)
	require.NotNil(t, movement.OrderID)
	require.Equal(t, order.ID, *movement.OrderID)

	var reloaded models.Order
	require.NoError(t, conn.First(&reloaded, "id = ?", order.ID).Error)
	require.True(t, reloaded.InventoryCommitted)
}

func TestCommitSkipsUnpaidOrders(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	ctx := context.Background()
	p1 := seedItem(t, conn, scope, 5)
	require.NoError(t, c.Reserve(ctx, scope, []Line{{ProductID: p1, Quantity: 1}}))
	order := seedOrder(t, conn, scope, enums.OrderStatusPaymentPending, Line{ProductID: p1, Quantity: 1})

	res, err := c.Commit(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, res.Committed)
	require.Equal(t, reasonNotPaid, res.Reason)
	require.EqualValues(t, 0, countMovements(t, conn, p1))
	require.Equal(t, 1, fetchItem(t, conn, p1).Reserved)
}

func TestCommitMissingOrder(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.Commit(context.Background(), uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestReleaseReturnsReservationOnce(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	ctx := context.Background()
	p1 := seedItem(t, conn, scope, 5)
	require.NoError(t, c.Reserve(ctx, scope, []Line{{ProductID: p1, Quantity: 4}}))
	order := seedOrder(t, conn, scope, enums.OrderStatusCancelled, Line{ProductID: p1, Quantity: 4})

	res, err := c.Release(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, res.Released)

	again, err := c.Release(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, again.Released)
	require.Equal(t, reasonAlreadyReleased, again.Reason)

	item := fetchItem(t, conn, p1)
	require.Equal(t, 5, item.Available)
	require.Equal(t, 0, item.Reserved)
}

func TestReleaseAfterCommitIsNoop(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	ctx := context.Background()
	p1 := seedItem(t, conn, scope, 5)
	require.NoError(t, c.Reserve(ctx, scope, []Line{{ProductID: p1, Quantity: 2}}))
	order := seedOrder(t, conn, scope, enums.OrderStatusPaid, Line{ProductID: p1, Quantity: 2})
	_, err := c.Commit(ctx, order.ID)
	require.NoError(t, err)

	res, err := c.Release(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, res.Released)

	item := fetchItem(t, conn, p1)
	require.Equal(t, 3, item.Available)
	require.Equal(t, 0, item.Reserved)
}

func TestRestockCreatesAndIncrements(t *testing.T) {
	c, conn, scope := newCoordinator(t)
	ctx := context.Background()
	productID := uuid.New()

	item, err := c.Restock(ctx, scope, productID, 4, "initial load")
	require.NoError(t, err)
	require.Equal(t, 4, item.Available)
	require.Equal(t, 4, item.CurrentStock)

	item, err = c.Restock(ctx, scope, productID, 3, "")
	require.NoError(t, err)
	require.Equal(t, 7, item.Available)
	require.Equal(t, 7, item.CurrentStock)

	movements, err := c.Movements(ctx, scope, productID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	for _, m := range movements {
		require.Equal(t, enums.MovementRestock, m.Type)
		require.Equal(t, m.PreviousStock+m.QuantityDelta, m.NewStock)
	}
	require.EqualValues(t, 2, countMovements(t, conn, productID))

	_, err = c.Restock(ctx, scope, productID, 0, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestGetMissingItem(t *testing.T) {
	c, _, scope := newCoordinator(t)
	_, err := c.Get(context.Background(), scope, uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

type recordingEnqueuer struct {
	events []outbox.Event
	err    error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, _ *gorm.DB, event outbox.Event) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.events = append(r.events, event)
	return 1, nil
}

func TestRestockEnqueuesEvent(t *testing.T) {
	client, conn := dbtest.Client(t)
	events := &recordingEnqueuer{}
	c, err := NewCoordinator(client, nil, WithEvents(events))
	require.NoError(t, err)
	scope := Scope{TenantID: uuid.New(), StoreID: uuid.New()}
	productID := seedItem(t, conn, scope, 3)

	_, err = c.Restock(context.Background(), scope, productID, 2, "")
	require.NoError(t, err)

	require.Len(t, events.events, 1)
	evt := events.events[0]
	require.Equal(t, enums.EventInventoryRestock, evt.Type)
	require.Equal(t, scope.TenantID, evt.TenantID)
	payload, ok := evt.Data.(RestockedEvent)
	require.True(t, ok)
	require.Equal(t, 5, payload.CurrentStock)
	require.Equal(t, 2, payload.Quantity)
}

func TestRestockRollsBackWhenEnqueueFails(t *testing.T) {
	client, conn := dbtest.Client(t)
	c, err := NewCoordinator(client, nil, WithEvents(&recordingEnqueuer{err: errors.New("outbox down")}))
	require.NoError(t, err)
	scope := Scope{TenantID: uuid.New(), StoreID: uuid.New()}
	productID := seedItem(t, conn, scope, 3)

	_, err = c.Restock(context.Background(), scope, productID, 2, "")
	require.Error(t, err)
	require.Equal(t, 3, fetchItem(t, conn, productID).CurrentStock)
	require.Zero(t, countMovements(t, conn, productID))
}
