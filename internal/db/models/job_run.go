package models

import "time"

// Job run statuses.
const (
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// JobRun audits one execution of a scheduled batch job.
type JobRun struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	JobName     string     `gorm:"index;not null" json:"job_name"`
	TargetDay   string     `gorm:"index" json:"target_day,omitempty"`
	Status      string     `gorm:"not null" json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	RowsWritten int        `json:"rows_written"`
	DurationMs  int64      `json:"duration_ms"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
}
