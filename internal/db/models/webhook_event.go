package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent records one inbound delivery. Rows are written once and never
// updated. Only one processed row may exist per dedup key.
type WebhookEvent struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	Provider     string         `gorm:"index;not null" json:"provider"`
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type,omitempty"`
	DedupKey     string         `gorm:"not null;index;uniqueIndex:idx_webhook_dedup_processed,where:processed = true" json:"dedup_key"`
	Payload      datatypes.JSON `json:"payload,omitempty"`
	Processed    bool           `gorm:"not null;default:false" json:"processed"`
	MetricsCount int            `json:"metrics_count"`
	Error        string         `gorm:"type:text" json:"error,omitempty"`
	UserID       string         `gorm:"index" json:"user_id,omitempty"`
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
}
