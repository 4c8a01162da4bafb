package cron

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-core/pkg/db/models"
)

const maxHeartbeatError = 1000

// HeartbeatRepository persists the last outcome of each named job.
type HeartbeatRepository struct {
	db *gorm.DB
}

func NewHeartbeatRepository(db *gorm.DB) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

func (r *HeartbeatRepository) RecordSuccess(ctx context.Context, job string, at time.Time) error {
	row := models.JobHeartbeat{JobName: job, LastSuccessAt: &at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_success_at":      at,
			"consecutive_failures": 0,
			"last_error":           nil,
			"updated_at":           at,
		}),
	}).Create(&row).Error
}

func (r *HeartbeatRepository) RecordFailure(ctx context.Context, job string, at time.Time, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxHeartbeatError {
		msg = msg[:maxHeartbeatError]
	}
	row := models.JobHeartbeat{JobName: job, LastFailureAt: &at, LastError: &msg, ConsecutiveFailures: 1}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_failure_at":      at,
			"last_error":           msg,
			"consecutive_failures": gorm.Expr("job_heartbeats.consecutive_failures + 1"),
			"updated_at":           at,
		}),
	}).Create(&row).Error
}

// ListStale returns heartbeats whose last success is older than cutoff or
// that have never succeeded.
func (r *HeartbeatRepository) ListStale(ctx context.Context, cutoff time.Time) ([]models.JobHeartbeat, error) {
	var rows []models.JobHeartbeat
	err := r.db.WithContext(ctx).
		Where("last_success_at IS NULL OR last_success_at < ?", cutoff).
		Order("job_name ASC").
		Find(&rows).Error
	return rows, err
}

func (r *HeartbeatRepository) Find(ctx context.Context, job string) (*models.JobHeartbeat, error) {
	var row models.JobHeartbeat
	if err := r.db.WithContext(ctx).Where("job_name = ?", job).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
