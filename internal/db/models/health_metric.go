package models

import (
	"time"

	"gorm.io/datatypes"
)

// HealthMetric is one normalised observation. QualityScore 0 implies IsAnomaly.
type HealthMetric struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	UserID        string         `gorm:"index:idx_metric_lookup,priority:1;not null" json:"user_id"`
	ProfileID     string         `gorm:"not null;default:''" json:"profile_id,omitempty"`
	Source        string         `gorm:"index:idx_metric_lookup,priority:2;not null" json:"source"`
	MetricType    string         `gorm:"index:idx_metric_lookup,priority:3;not null" json:"metric_type"`
	Value         float64        `json:"value"`
	Unit          string         `json:"unit"`
	Timestamp     time.Time      `gorm:"index:idx_metric_lookup,priority:4;not null" json:"timestamp"`
	QualityScore  float64        `json:"quality_score"`
	IsAnomaly     bool           `json:"is_anomaly"`
	AnomalyReason string         `gorm:"type:text" json:"anomaly_reason,omitempty"`
	RawPayload    datatypes.JSON `json:"raw_payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DataQualityIssue is written whenever the quality gate flags a metric.
type DataQualityIssue struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	MetricID   string    `gorm:"index" json:"metric_id"`
	UserID     string    `gorm:"index" json:"user_id"`
	Source     string    `json:"source"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Reason     string    `gorm:"type:text" json:"reason"`
	Reviewed   bool      `gorm:"default:false" json:"reviewed"`
	CreatedAt  time.Time `json:"created_at"`
}
