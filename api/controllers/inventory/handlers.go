package inventory

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-core/api/middleware"
	"github.com/angelmondragon/commerce-core/api/responses"
	"github.com/angelmondragon/commerce-core/api/validators"
	internalinventory "github.com/angelmondragon/commerce-core/internal/inventory"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

type Coordinator interface {
	Restock(ctx context.Context, scope internalinventory.Scope, productID uuid.UUID, quantity int, note string) (*models.InventoryItem, error)
	Get(ctx context.Context, scope internalinventory.Scope, productID uuid.UUID) (*models.InventoryItem, error)
	Movements(ctx context.Context, scope internalinventory.Scope, productID uuid.UUID, limit int) ([]models.InventoryMovement, error)
}

type restockRequest struct {
	Quantity int    `json:"quantity" validate:"required,min=1,max=1000000"`
	Note     string `json:"note" validate:"max=500"`
}

type ItemResponse struct {
	ProductID    uuid.UUID `json:"product_id"`
	StoreID      uuid.UUID `json:"store_id"`
	Available    int       `json:"available"`
	Reserved     int       `json:"reserved"`
	CurrentStock int       `json:"current_stock"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type MovementResponse struct {
	ID            uuid.UUID                   `json:"id"`
	OrderID       *uuid.UUID                  `json:"order_id,omitempty"`
	Type          enums.InventoryMovementType `json:"type"`
	QuantityDelta int                         `json:"quantity_delta"`
	PreviousStock int                         `json:"previous_stock"`
	NewStock      int                         `json:"new_stock"`
	Note          *string                     `json:"note,omitempty"`
	CreatedAt     time.Time                   `json:"created_at"`
}

func newItemResponse(item *models.InventoryItem) ItemResponse {
	return ItemResponse{
		ProductID:    item.ProductID,
		StoreID:      item.StoreID,
		Available:    item.Available,
		Reserved:     item.Reserved,
		CurrentStock: item.CurrentStock,
		UpdatedAt:    item.UpdatedAt,
	}
}

// Restock adds stock for a product in the caller's store.
func Restock(coord Coordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req restockRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		item, err := coord.Restock(r.Context(), scopeOf(r), productID, req.Quantity, validators.SanitizeString(req.Note, 500))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newItemResponse(item))
	}
}

func Get(coord Coordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		item, err := coord.Get(r.Context(), scopeOf(r), productID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newItemResponse(item))
	}
}

// Movements lists the stock ledger for a product, newest first.
func Movements(coord Coordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := coord.Movements(r.Context(), scopeOf(r), productID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]MovementResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, MovementResponse{
				ID:            row.ID,
				OrderID:       row.OrderID,
				Type:          row.Type,
				QuantityDelta: row.QuantityDelta,
				PreviousStock: row.PreviousStock,
				NewStock:      row.NewStock,
				Note:          row.Note,
				CreatedAt:     row.CreatedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

func scopeOf(r *http.Request) internalinventory.Scope {
	scope := middleware.ScopeFromContext(r.Context())
	return internalinventory.Scope{TenantID: scope.TenantID, StoreID: scope.StoreID}
}
