package inventory

import (
	"fmt"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

// InsufficientStockError reports the first line whose conditional reserve matched no row.
// The enclosing transaction must roll back; nothing from the batch is applied.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (requested %d)", e.ProductID, e.Requested)
}

// AsError converts the failure into the API error taxonomy.
func (e *InsufficientStockError) AsError() *pkgerrors.Error {
	return pkgerrors.Wrap(pkgerrors.CodeInsufficientStock, e, e.Error()).WithDetails(map[string]any{
		"product_id": e.ProductID.String(),
		"requested":  e.Requested,
	})
}
