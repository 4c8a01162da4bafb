package inventory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/commerce-core/api/middleware"
	internalinventory "github.com/angelmondragon/commerce-core/internal/inventory"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

type stubCoordinator struct {
	scope    internalinventory.Scope
	quantity int
	note     string
	limit    int
	err      error
}

func (s *stubCoordinator) Restock(_ context.Context, scope internalinventory.Scope, productID uuid.UUID, quantity int, note string) (*models.InventoryItem, error) {
	s.scope, s.quantity, s.note = scope, quantity, note
	if s.err != nil {
		return nil, s.err
	}
	return &models.InventoryItem{ProductID: productID, Available: quantity, CurrentStock: quantity}, nil
}

func (s *stubCoordinator) Get(_ context.Context, scope internalinventory.Scope, productID uuid.UUID) (*models.InventoryItem, error) {
	s.scope = scope
	if s.err != nil {
		return nil, s.err
	}
	return &models.InventoryItem{ProductID: productID, Available: 3, Reserved: 2, CurrentStock: 5}, nil
}

func (s *stubCoordinator) Movements(_ context.Context, scope internalinventory.Scope, productID uuid.UUID, limit int) ([]models.InventoryMovement, error) {
	s.scope, s.limit = scope, limit
	return []models.InventoryMovement{{ProductID: productID, Type: enums.MovementRestock, QuantityDelta: 5, NewStock: 5}}, s.err
}

var scope = middleware.Scope{TenantID: uuid.New(), StoreID: uuid.New()}

func request(method, target, body, productID string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("productID", productID)
	ctx := middleware.WithScope(context.WithValue(req.Context(), chi.RouteCtxKey, rctx), scope)
	return req.WithContext(ctx)
}

func TestRestockScopesToCallerStore(t *testing.T) {
	coord := &stubCoordinator{}
	rec := httptest.NewRecorder()

	Restock(coord, nil).ServeHTTP(rec, request(http.MethodPut, "/", `{"quantity":7,"note":"  truck 12 "}`, uuid.NewString()))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, scope.TenantID, coord.scope.TenantID)
	assert.Equal(t, scope.StoreID, coord.scope.StoreID)
	assert.Equal(t, 7, coord.quantity)
	assert.Equal(t, "truck 12", coord.note)
}

func TestRestockRejectsNonPositiveQuantity(t *testing.T) {
	coord := &stubCoordinator{}
	rec := httptest.NewRecorder()

	Restock(coord, nil).ServeHTTP(rec, request(http.MethodPut, "/", `{"quantity":0}`, uuid.NewString()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, coord.quantity)
}

func TestGetMapsMissingItem(t *testing.T) {
	coord := &stubCoordinator{err: pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found")}
	rec := httptest.NewRecorder()

	Get(coord, nil).ServeHTTP(rec, request(http.MethodGet, "/", "", uuid.NewString()))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMovementsAppliesLimit(t *testing.T) {
	coord := &stubCoordinator{}
	rec := httptest.NewRecorder()

	Movements(coord, nil).ServeHTTP(rec, request(http.MethodGet, "/?limit=20", "", uuid.NewString()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, coord.limit)
	assert.Contains(t, rec.Body.String(), `"type":"`+string(enums.MovementRestock)+`"`)
}
