package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
)

// claimingPaymentStatuses count against the order total when a new payment is requested.
var claimingPaymentStatuses = []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusPaid}

var claimingCashierStatuses = []enums.CashierPaymentStatus{
	enums.CashierStatusDeclared,
	enums.CashierStatusVerified,
	enums.CashierStatusDisputed,
	enums.CashierStatusReconciled,
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) LockOrder(ctx context.Context, tenantID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", orderID, tenantID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) FindOrder(ctx context.Context, tenantID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", orderID, tenantID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *Repository) FindPayment(ctx context.Context, tenantID, paymentID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", paymentID, tenantID).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *Repository) LockPayment(ctx context.Context, tenantID, paymentID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", paymentID, tenantID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// LockPaymentByRef finds the payment a provider callback refers to. Provider
// refs are globally unique per provider, so no tenant is needed.
func (r *Repository) LockPaymentByRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider = ? AND provider_ref = ?", provider, ref).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePaymentStatus applies updates only while the row still holds from.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, paymentID uuid.UUID, from enums.PaymentStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) CreateCashier(ctx context.Context, payment *models.CashierPayment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *Repository) LockCashier(ctx context.Context, tenantID, id uuid.UUID) (*models.CashierPayment, error) {
	var payment models.CashierPayment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *Repository) UpdateCashierStatus(ctx context.Context, id uuid.UUID, from enums.CashierPaymentStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.CashierPayment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimedAmount sums every payment that still counts toward the order total:
// pending or paid provider payments and cashier payments that were not voided.
func (r *Repository) ClaimedAmount(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	return r.sum(ctx, orderID, claimingPaymentStatuses, claimingCashierStatuses)
}

// SettledAmount sums money actually collected: PAID provider payments and
// RECONCILED cashier payments.
func (r *Repository) SettledAmount(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	return r.sum(ctx, orderID,
		[]enums.PaymentStatus{enums.PaymentStatusPaid},
		[]enums.CashierPaymentStatus{enums.CashierStatusReconciled})
}

// Amounts are summed as decimals in Go; SQL SUM over numeric comes back as
// float on some drivers.
func (r *Repository) sum(ctx context.Context, orderID uuid.UUID, paymentStatuses []enums.PaymentStatus, cashierStatuses []enums.CashierPaymentStatus) (decimal.Decimal, error) {
	var provider []decimal.Decimal
	if err := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("order_id = ? AND status IN ?", orderID, paymentStatuses).
		Pluck("amount", &provider).Error; err != nil {
		return decimal.Zero, err
	}
	var cashier []decimal.Decimal
	if err := r.db.WithContext(ctx).
		Model(&models.CashierPayment{}).
		Where("order_id = ? AND status IN ?", orderID, cashierStatuses).
		Pluck("amount", &cashier).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, amount := range append(provider, cashier...) {
		total = total.Add(amount)
	}
	return total, nil
}

func (r *Repository) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, []models.CashierPayment, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC, id ASC").Find(&payments).Error; err != nil {
		return nil, nil, err
	}
	var cashier []models.CashierPayment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at ASC, id ASC").Find(&cashier).Error; err != nil {
		return nil, nil, err
	}
	return payments, cashier, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
