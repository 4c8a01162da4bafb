package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
)

const maxErrorLen = 1024

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertTx(tx *gorm.DB, rows []models.WebhookOutbox) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

// ActiveSubscriptionsTx lists the tenant's active subscriptions.
func (r *Repository) ActiveSubscriptionsTx(tx *gorm.DB, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := tx.Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}

// FetchDueTx locks up to limit due PENDING rows, oldest first. Rows locked by
// another dispatcher are skipped on Postgres.
func (r *Repository) FetchDueTx(tx *gorm.DB, now time.Time, limit int) ([]models.WebhookOutbox, error) {
	var rows []models.WebhookOutbox
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", enums.OutboxStatusPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// LeaseTx pushes next_retry_at forward so the claimed rows stay invisible to
// other dispatchers while they are delivered outside the transaction.
func (r *Repository) LeaseTx(tx *gorm.DB, ids []uuid.UUID, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.WebhookOutbox{}).
		Where("id IN ? AND status = ?", ids, enums.OutboxStatusPending).
		Update("next_retry_at", until).Error
}

func (r *Repository) SubscriptionsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.WebhookSubscription, error) {
	out := make(map[uuid.UUID]models.WebhookSubscription, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var subs []models.WebhookSubscription
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&subs).Error; err != nil {
		return nil, err
	}
	for _, s := range subs {
		out[s.ID] = s
	}
	return out, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.WebhookOutbox{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":        enums.OutboxStatusSent,
			"attempts":      gorm.Expr("attempts + 1"),
			"sent_at":       at,
			"next_retry_at": nil,
			"last_error":    nil,
		}).Error
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *Repository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, cause error) error {
	return r.db.WithContext(ctx).Model(&models.WebhookOutbox{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"attempts":      attempts,
			"next_retry_at": next,
			"last_error":    errorText(cause),
		}).Error
}

// MarkFailed dead-letters the row.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, cause error) error {
	return r.db.WithContext(ctx).Model(&models.WebhookOutbox{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPending).
		Updates(map[string]any{
			"status":        enums.OutboxStatusFailed,
			"attempts":      attempts,
			"next_retry_at": nil,
			"last_error":    errorText(cause),
		}).Error
}

// Requeue moves a FAILED row of the tenant back to PENDING with a fresh
// attempt budget. It reports whether a row changed.
func (r *Repository) Requeue(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookOutbox{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, enums.OutboxStatusFailed).
		Updates(map[string]any{
			"status":        enums.OutboxStatusPending,
			"attempts":      0,
			"next_retry_at": nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *Repository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*models.WebhookOutbox, error) {
	var row models.WebhookOutbox
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteSentBefore removes up to limit SENT rows older than cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	conn := r.db.WithContext(ctx)
	ids := conn.Model(&models.WebhookOutbox{}).
		Select("id").
		Where("status = ? AND sent_at < ?", enums.OutboxStatusSent, cutoff).
		Order("sent_at ASC").
		Limit(limit)
	res := conn.Where("id IN (?)", ids).Delete(&models.WebhookOutbox{})
	return res.RowsAffected, res.Error
}

// CountByStatus reports the backlog per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error) {
	var rows []struct {
		Status enums.OutboxStatus
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&models.WebhookOutbox{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *Repository) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *Repository) ListSubscriptions(ctx context.Context, tenantID uuid.UUID) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&subs).Error
	return subs, err
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return &msg
}
