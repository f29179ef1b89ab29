package models

import (
	"time"

	"gorm.io/datatypes"
)

// GlucoseReading is always stored in mg/dL. The (UserID, ProfileID, Timestamp,
// Source) key is unique and written with upserts.
type GlucoseReading struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	UserID      string         `gorm:"uniqueIndex:idx_glucose_reading_key,priority:1;not null" json:"user_id"`
	ProfileID   string         `gorm:"uniqueIndex:idx_glucose_reading_key,priority:2;not null;default:''" json:"profile_id"`
	Timestamp   time.Time      `gorm:"uniqueIndex:idx_glucose_reading_key,priority:3;index;not null" json:"timestamp"`
	Source      string         `gorm:"uniqueIndex:idx_glucose_reading_key,priority:4;not null" json:"source"`
	ValueMgDl   float64        `json:"value_mg_dl"`
	Trend       string         `json:"trend,omitempty"`
	QualityFlag string         `json:"quality_flag,omitempty"`
	RawPayload  datatypes.JSON `json:"raw_payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// GlucoseEvent is a non-reading row from an upload (meal, insulin, exercise).
type GlucoseEvent struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"uniqueIndex:idx_glucose_event_key,priority:1;not null" json:"user_id"`
	ProfileID string    `gorm:"uniqueIndex:idx_glucose_event_key,priority:2;not null;default:''" json:"profile_id"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_glucose_event_key,priority:3;not null" json:"timestamp"`
	EventType string    `gorm:"uniqueIndex:idx_glucose_event_key,priority:4;not null" json:"event_type"`
	Value     *float64  `json:"value,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// GlucoseDailyAggregate holds one row per (Day, UserID, ProfileID).
type GlucoseDailyAggregate struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	Day               string    `gorm:"uniqueIndex:idx_glucose_daily_key,priority:1;not null" json:"day"` // YYYY-MM-DD, UTC
	UserID            string    `gorm:"uniqueIndex:idx_glucose_daily_key,priority:2;not null" json:"user_id"`
	ProfileID         string    `gorm:"uniqueIndex:idx_glucose_daily_key,priority:3;not null;default:''" json:"profile_id"`
	TimeInRangePct    float64   `json:"time_in_range_pct"`
	TimeBelowRangePct float64   `json:"time_below_range_pct"`
	TimeAboveRangePct float64   `json:"time_above_range_pct"`
	HypoDays          int       `json:"hypo_days"`
	HyperDays         int       `json:"hyper_days"`
	MeanGlucose       float64   `json:"mean_glucose"`
	GMI               float64   `json:"gmi"`
	StdDev            float64   `json:"std_dev"`
	CoefficientOfVar  float64   `json:"coefficient_of_variation"`
	ReadingCount      int       `json:"reading_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
