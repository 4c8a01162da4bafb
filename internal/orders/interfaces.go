package orders

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/inventory"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	Conn(ctx context.Context) *gorm.DB
}

type outboxEnqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, event outbox.Event) (int, error)
}

// InventoryCoordinator is the slice of inventory.Coordinator orders relies on.
type InventoryCoordinator interface {
	ReserveTx(ctx context.Context, tx *gorm.DB, scope inventory.Scope, lines []inventory.Line) error
	CommitTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (inventory.CommitResult, error)
	ReleaseTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (inventory.ReleaseResult, error)
}
