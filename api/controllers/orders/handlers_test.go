package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-core/api/middleware"
	internalorders "github.com/angelmondragon/commerce-core/internal/orders"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
)

type stubOrderService struct {
	created    internalorders.CreateInput
	listed     internalorders.ListFilter
	transition internalorders.TransitionInput
	cancelled  internalorders.CancelInput
	order      *models.Order
	err        error
}

func (s *stubOrderService) Create(_ context.Context, input internalorders.CreateInput) (*models.Order, error) {
	s.created = input
	return s.order, s.err
}

func (s *stubOrderService) Get(_ context.Context, _, _ uuid.UUID) (*models.Order, error) {
	return s.order, s.err
}

func (s *stubOrderService) List(_ context.Context, _ uuid.UUID, filter internalorders.ListFilter) (*internalorders.OrderList, error) {
	s.listed = filter
	if s.err != nil {
		return nil, s.err
	}
	return &internalorders.OrderList{Orders: []models.Order{*s.order}, NextCursor: "next"}, nil
}

func (s *stubOrderService) Transition(_ context.Context, input internalorders.TransitionInput) (*models.Order, error) {
	s.transition = input
	return s.order, s.err
}

func (s *stubOrderService) Cancel(_ context.Context, input internalorders.CancelInput) (*models.Order, error) {
	s.cancelled = input
	return s.order, s.err
}

type stubHistory struct {
	target string
	rows   []models.AuditLog
}

func (s *stubHistory) History(_ context.Context, targetType string, _ uuid.UUID) ([]models.AuditLog, error) {
	s.target = targetType
	return s.rows, nil
}

var (
	testTenant = uuid.New()
	testStore  = uuid.New()
	testActor  = uuid.New()
)

func sampleOrder() *models.Order {
	return &models.Order{
		ID:          uuid.New(),
		TenantID:    testTenant,
		StoreID:     testStore,
		Status:      enums.OrderStatusPending,
		Currency:    enums.CurrencyUSD,
		TotalAmount: decimal.RequireFromString("25.5"),
		Items: []models.OrderItem{
			{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("25.5")},
		},
	}
}

func newRequest(method, target, body string, params map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = middleware.WithScope(ctx, middleware.Scope{TenantID: testTenant, StoreID: testStore, ActorID: &testActor, Role: "staff"})
	return req.WithContext(ctx)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestCreateMapsRequestIntoScopedInput(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	productID := uuid.New()
	body := `{"currency":"usd","items":[{"product_id":"` + productID.String() + `","quantity":2,"unit_price":"12.75"}]}`
	rec := httptest.NewRecorder()

	Create(svc, nil).ServeHTTP(rec, newRequest(http.MethodPost, "/api/v1/orders", body, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.created.TenantID != testTenant || svc.created.StoreID != testStore {
		t.Fatalf("scope not applied: %+v", svc.created)
	}
	if svc.created.Currency != enums.CurrencyUSD {
		t.Fatalf("expected USD, got %s", svc.created.Currency)
	}
	if len(svc.created.Items) != 1 || svc.created.Items[0].ProductID != productID || !svc.created.Items[0].UnitPrice.Equal(decimal.RequireFromString("12.75")) {
		t.Fatalf("unexpected items: %+v", svc.created.Items)
	}
	var out OrderResponse
	decodeData(t, rec, &out)
	if out.TotalAmount != "25.50" {
		t.Fatalf("expected fixed-point total, got %s", out.TotalAmount)
	}
}

func TestCreateRejectsEmptyItems(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	rec := httptest.NewRecorder()

	Create(svc, nil).ServeHTTP(rec, newRequest(http.MethodPost, "/api/v1/orders", `{"currency":"USD","items":[]}`, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListParsesFilters(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	rec := httptest.NewRecorder()

	List(svc, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/v1/orders?status=paid&limit=10&cursor=abc&store_id="+testStore.String(), "", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.listed.Status != enums.OrderStatusPaid || svc.listed.Limit != 10 || svc.listed.Cursor != "abc" || svc.listed.StoreID != testStore {
		t.Fatalf("unexpected filter %+v", svc.listed)
	}
	var out OrderListResponse
	decodeData(t, rec, &out)
	if len(out.Orders) != 1 || out.NextCursor != "next" {
		t.Fatalf("unexpected list %+v", out)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	List(&stubOrderService{order: sampleOrder()}, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/v1/orders?status=shipped", "", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetRejectsMalformedID(t *testing.T) {
	rec := httptest.NewRecorder()
	Get(&stubOrderService{}, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/v1/orders/nope", "", map[string]string{"orderID": "nope"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetMapsNotFound(t *testing.T) {
	svc := &stubOrderService{err: pkgerrors.New(pkgerrors.CodeNotFound, "order not found")}
	id := uuid.New().String()
	rec := httptest.NewRecorder()

	Get(svc, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/api/v1/orders/"+id, "", map[string]string{"orderID": id}))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTransitionPassesTargetAndActor(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	id := uuid.New()
	rec := httptest.NewRecorder()

	Transition(svc, nil).ServeHTTP(rec, newRequest(http.MethodPost, "/api/v1/orders/"+id.String()+"/transitions", `{"to":"preparing"}`, map[string]string{"orderID": id.String()}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.transition.To != enums.OrderStatusPreparing || svc.transition.OrderID != id {
		t.Fatalf("unexpected input %+v", svc.transition)
	}
	if svc.transition.ActorID == nil || *svc.transition.ActorID != testActor {
		t.Fatalf("actor not forwarded")
	}
}

func TestTransitionSurfacesInvalidTransition(t *testing.T) {
	svc := &stubOrderService{err: pkgerrors.New(pkgerrors.CodeInvalidTransition, "PENDING -> COMPLETED not allowed")}
	id := uuid.New().String()
	rec := httptest.NewRecorder()

	Transition(svc, nil).ServeHTTP(rec, newRequest(http.MethodPost, "/", `{"to":"COMPLETED"}`, map[string]string{"orderID": id}))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != string(pkgerrors.CodeInvalidTransition) {
		t.Fatalf("unexpected code %s", body.Error.Code)
	}
}

func TestCancelAcceptsEmptyBody(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	id := uuid.New()
	rec := httptest.NewRecorder()
	req := newRequest(http.MethodPost, "/", "", map[string]string{"orderID": id.String()})
	req.ContentLength = 0

	Cancel(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.cancelled.OrderID != id || svc.cancelled.TenantID != testTenant {
		t.Fatalf("unexpected cancel input %+v", svc.cancelled)
	}
}

func TestAuditReadsOrderHistory(t *testing.T) {
	svc := &stubOrderService{order: sampleOrder()}
	history := &stubHistory{rows: []models.AuditLog{{ID: uuid.New(), Action: "order.created"}}}
	id := uuid.New().String()
	rec := httptest.NewRecorder()

	Audit(svc, history, nil).ServeHTTP(rec, newRequest(http.MethodGet, "/", "", map[string]string{"orderID": id}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.target != "order" {
		t.Fatalf("unexpected target %s", history.target)
	}
	var out []AuditEntryResponse
	decodeData(t, rec, &out)
	if len(out) != 1 || out[0].Action != "order.created" {
		t.Fatalf("unexpected history %+v", out)
	}
}
