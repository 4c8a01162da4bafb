// Package inventory is the single reservation coordinator for stock counters.
// Every counter change is a conditional UPDATE; the database is the only concurrency guard.
package inventory

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

type store interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	Conn(ctx context.Context) *gorm.DB
}

// Scope identifies the tenant/store owning a stock row.
type Scope struct {
	TenantID uuid.UUID
	StoreID  uuid.UUID
}

// Line is one product quantity to reserve.
type Line struct {
	ProductID uuid.UUID
	Quantity  int
}

// RestockedEvent is the payload of inventory.restocked.
type RestockedEvent struct {
	ProductID    uuid.UUID `json:"product_id"`
	Quantity     int       `json:"quantity"`
	Available    int       `json:"available"`
	CurrentStock int       `json:"current_stock"`
}

// CommitResult reports whether the call performed the commit or found nothing to do.
type CommitResult struct {
	Committed bool
	Reason    string
}

// ReleaseResult reports whether reserved stock was returned to available.
type ReleaseResult struct {
	Released bool
	Reason   string
}

const (
	reasonAlreadyCommitted = "already committed"
	reasonAlreadyReleased  = "already released"
	reasonNotPaid          = "order not paid"
)

type eventEnqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, event outbox.Event) (int, error)
}

// Coordinator exposes reserve, commit, release and restock over inventory_items.
type Coordinator struct {
	store  store
	logger *logger.Logger
	events eventEnqueuer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEvents makes Restock enqueue an inventory.restocked outbox event in the
// same transaction as the stock change.
func WithEvents(events eventEnqueuer) Option {
	return func(c *Coordinator) {
		c.events = events
	}
}

// NewCoordinator builds the coordinator.
func NewCoordinator(store store, logg *logger.Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("inventory store required")
	}
	c := &Coordinator{store: store, logger: logg}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LinesFromItems converts order items into reservation lines.
func LinesFromItems(items []models.OrderItem) []Line {
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// Reserve moves quantity from available to reserved for every line, all or nothing.
func (c *Coordinator) Reserve(ctx context.Context, scope Scope, lines []Line) error {
	return c.store.WithTx(ctx, func(tx *gorm.DB) error {
		return c.ReserveTx(ctx, tx, scope, lines)
	})
}

// ReserveTx runs the reservation inside the caller's transaction. On error the
// caller must roll back; earlier lines of the batch may already be applied in tx.
func (c *Coordinator) ReserveTx(ctx context.Context, tx *gorm.DB, scope Scope, lines []Line) error {
	merged, err := mergeLines(lines)
	if err != nil {
		return err
	}
	if scope.TenantID == uuid.Nil || scope.StoreID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "tenant and store are required")
	}

	for _, line := range merged {
		res := tx.WithContext(ctx).
			Model(&models.InventoryItem{}).
			Where("tenant_id = ? AND store_id = ? AND product_id = ? AND available >= ?",
				scope.TenantID, scope.StoreID, line.ProductID, line.Quantity).
			Updates(map[string]any{
				"available": gorm.Expr("available - ?", line.Quantity),
				"reserved":  gorm.Expr("reserved + ?", line.Quantity),
			})
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve inventory")
		}
		if res.RowsAffected == 0 {
			return (&InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity}).AsError()
		}
	}
	return nil
}

// Commit turns the order's reservation into a sale. It is a no-op unless the
// order is PAID and not yet committed, so re-running after a crash is safe.
func (c *Coordinator) Commit(ctx context.Context, orderID uuid.UUID) (CommitResult, error) {
	var result CommitResult
	err := c.store.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = c.CommitTx(ctx, tx, orderID)
		return err
	})
	return result, err
}

// CommitTx performs Commit inside the caller's transaction.
func (c *Coordinator) CommitTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (CommitResult, error) {
	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return CommitResult{}, err
	}
	if order.InventoryCommitted {
		return CommitResult{Reason: reasonAlreadyCommitted}, nil
	}
	if order.Status != enums.OrderStatusPaid {
		return CommitResult{Reason: reasonNotPaid}, nil
	}

	lines, err := orderLines(ctx, tx, order.ID)
	if err != nil {
		return CommitResult{}, err
	}

	scope := Scope{TenantID: order.TenantID, StoreID: order.StoreID}
	for _, line := range lines {
		res := tx.WithContext(ctx).
			Model(&models.InventoryItem{}).
			Where("tenant_id = ? AND store_id = ? AND product_id = ? AND reserved >= ? AND current_stock >= ?",
				scope.TenantID, scope.StoreID, line.ProductID, line.Quantity, line.Quantity).
			Updates(map[string]any{
				"reserved":      gorm.Expr("reserved - ?", line.Quantity),
				"current_stock": gorm.Expr("current_stock - ?", line.Quantity),
			})
		if res.Error != nil {
			return CommitResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "commit inventory")
		}
		if res.RowsAffected == 0 {
			return CommitResult{}, pkgerrors.New(pkgerrors.CodeStateConflict, "reserved stock missing for committed line").
				WithDetails(map[string]string{"product_id": line.ProductID.String()})
		}

		item, err := loadItem(ctx, tx, scope, line.ProductID)
		if err != nil {
			return CommitResult{}, err
		}
		orderRef := order.ID
		if err := writeMovement(ctx, tx, &models.InventoryMovement{
			TenantID:      scope.TenantID,
			StoreID:       scope.StoreID,
			ProductID:     line.ProductID,
			OrderID:       &orderRef,
			Type:          enums.MovementSale,
			QuantityDelta: -line.Quantity,
			PreviousStock: item.CurrentStock + line.Quantity,
			NewStock:      item.CurrentStock,
		}); err != nil {
			return CommitResult{}, err
		}
	}

	if err := flagOrder(ctx, tx, order.ID, "inventory_committed"); err != nil {
		return CommitResult{}, err
	}
	if c.logger != nil {
		c.logger.Info(c.logger.WithOrderID(ctx, order.ID.String()), "inventory committed")
	}
	return CommitResult{Committed: true}, nil
}

// Release returns the order's reservation to available stock. Committed or
// already released orders are left alone.
func (c *Coordinator) Release(ctx context.Context, orderID uuid.UUID) (ReleaseResult, error) {
	var result ReleaseResult
	err := c.store.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = c.ReleaseTx(ctx, tx, orderID)
		return err
	})
	return result, err
}

// ReleaseTx performs Release inside the caller's transaction.
func (c *Coordinator) ReleaseTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (ReleaseResult, error) {
	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if order.InventoryCommitted {
		return ReleaseResult{Reason: reasonAlreadyCommitted}, nil
	}
	if order.InventoryReleased {
		return ReleaseResult{Reason: reasonAlreadyReleased}, nil
	}

	lines, err := orderLines(ctx, tx, order.ID)
	if err != nil {
		return ReleaseResult{}, err
	}
	for _, line := range lines {
		res := tx.WithContext(ctx).
			Model(&models.InventoryItem{}).
			Where("tenant_id = ? AND store_id = ? AND product_id = ? AND reserved >= ?",
				order.TenantID, order.StoreID, line.ProductID, line.Quantity).
			Updates(map[string]any{
				"available": gorm.Expr("available + ?", line.Quantity),
				"reserved":  gorm.Expr("reserved - ?", line.Quantity),
			})
		if res.Error != nil {
			return ReleaseResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release inventory")
		}
		if res.RowsAffected == 0 {
			return ReleaseResult{}, pkgerrors.New(pkgerrors.CodeStateConflict, "reserved stock missing for released line").
				WithDetails(map[string]string{"product_id": line.ProductID.String()})
		}
	}

	if err := flagOrder(ctx, tx, order.ID, "inventory_released"); err != nil {
		return ReleaseResult{}, err
	}
	return ReleaseResult{Released: true}, nil
}

// Restock adds quantity to available and current stock, creating the row on first use.
func (c *Coordinator) Restock(ctx context.Context, scope Scope, productID uuid.UUID, quantity int, note string) (*models.InventoryItem, error) {
	if quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "restock quantity must be positive")
	}
	if productID == uuid.Nil || scope.TenantID == uuid.Nil || scope.StoreID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tenant, store and product are required")
	}

	var item *models.InventoryItem
	err := c.store.WithTx(ctx, func(tx *gorm.DB) error {
		applied, err := incrementStock(ctx, tx, scope, productID, quantity)
		if err != nil {
			return err
		}
		if !applied {
			created := &models.InventoryItem{
				TenantID:     scope.TenantID,
				StoreID:      scope.StoreID,
				ProductID:    productID,
				Available:    quantity,
				CurrentStock: quantity,
			}
			// savepoint so a lost insert race leaves the outer transaction usable
			err := tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
				return sp.Create(created).Error
			})
			if err != nil {
				if !db.IsUniqueViolation(err, "ux_inventory_items_scope_product") {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create inventory item")
				}
				if applied, err = incrementStock(ctx, tx, scope, productID, quantity); err != nil {
					return err
				} else if !applied {
					return pkgerrors.New(pkgerrors.CodeConflict, "inventory row vanished during restock")
				}
			}
		}

		loaded, err := loadItem(ctx, tx, scope, productID)
		if err != nil {
			return err
		}
		item = loaded

		var notePtr *string
		if trimmed := strings.TrimSpace(note); trimmed != "" {
			notePtr = &trimmed
		}
		err = writeMovement(ctx, tx, &models.InventoryMovement{
			TenantID:      scope.TenantID,
			StoreID:       scope.StoreID,
			ProductID:     productID,
			Type:          enums.MovementRestock,
			QuantityDelta: quantity,
			PreviousStock: loaded.CurrentStock - quantity,
			NewStock:      loaded.CurrentStock,
			Note:          notePtr,
		})
		if err != nil || c.events == nil {
			return err
		}
		_, err = c.events.Enqueue(ctx, tx, outbox.Event{
			TenantID: scope.TenantID,
			StoreID:  scope.StoreID,
			Type:     enums.EventInventoryRestock,
			Data: RestockedEvent{
				ProductID:    productID,
				Quantity:     quantity,
				Available:    loaded.Available,
				CurrentStock: loaded.CurrentStock,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns the stock row for a product.
func (c *Coordinator) Get(ctx context.Context, scope Scope, productID uuid.UUID) (*models.InventoryItem, error) {
	return loadItem(ctx, c.store.Conn(ctx), scope, productID)
}

// Movements returns the ledger for a product, newest first.
func (c *Coordinator) Movements(ctx context.Context, scope Scope, productID uuid.UUID, limit int) ([]models.InventoryMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.InventoryMovement
	err := c.store.Conn(ctx).
		Where("tenant_id = ? AND store_id = ? AND product_id = ?", scope.TenantID, scope.StoreID, productID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list inventory movements")
	}
	return rows, nil
}

// mergeLines validates quantities, folds duplicate products together and sorts
// by product id so concurrent batches lock rows in the same order.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line is required")
	}
	totals := make(map[uuid.UUID]int, len(lines))
	for _, line := range lines {
		if line.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
		}
		if line.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
		}
		totals[line.ProductID] += line.Quantity
	}
	merged := make([]Line, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ProductID.String() < merged[j].ProductID.String()
	})
	return merged, nil
}

func lockOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return &order, nil
}

func orderLines(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) ([]Line, error) {
	var items []models.OrderItem
	if err := tx.WithContext(ctx).Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order items")
	}
	return mergeLines(LinesFromItems(items))
}

func loadItem(ctx context.Context, conn *gorm.DB, scope Scope, productID uuid.UUID) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND store_id = ? AND product_id = ?", scope.TenantID, scope.StoreID, productID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load inventory item")
	}
	return &item, nil
}

func incrementStock(ctx context.Context, tx *gorm.DB, scope Scope, productID uuid.UUID, quantity int) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("tenant_id = ? AND store_id = ? AND product_id = ?", scope.TenantID, scope.StoreID, productID).
		Updates(map[string]any{
			"available":     gorm.Expr("available + ?", quantity),
			"current_stock": gorm.Expr("current_stock + ?", quantity),
		})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "restock inventory")
	}
	return res.RowsAffected > 0, nil
}

func writeMovement(ctx context.Context, tx *gorm.DB, movement *models.InventoryMovement) error {
	if err := tx.WithContext(ctx).Create(movement).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write inventory movement")
	}
	return nil
}

func flagOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, column string) error {
	res := tx.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND "+column+" = ?", orderID, false).
		Update(column, true)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "flag order inventory state")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order inventory state changed concurrently")
	}
	return nil
}
