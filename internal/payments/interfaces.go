package payments

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/internal/providers"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	Conn(ctx context.Context) *gorm.DB
}

type outboxEnqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, event outbox.Event) (int, error)
}

// OrderTransitioner moves orders inside a payment transaction; satisfied by *orders.Service.
type OrderTransitioner interface {
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*orders.Change, error)
	RecordChange(ctx context.Context, change *orders.Change)
}

// AdapterResolver is satisfied by *providers.Registry.
type AdapterResolver interface {
	Get(provider enums.PaymentProvider) (providers.Adapter, error)
}
