package models

import "time"

// JobHeartbeat records the health of one named background job.
type JobHeartbeat struct {
	JobName             string     `gorm:"column:job_name;primaryKey"`
	LastSuccessAt       *time.Time `gorm:"column:last_success_at"`
	LastFailureAt       *time.Time `gorm:"column:last_failure_at"`
	LastError           *string    `gorm:"column:last_error"`
	ConsecutiveFailures int        `gorm:"column:consecutive_failures;not null;default:0"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
