// Package ingest is the provider-agnostic write path for health metrics:
// duplicate suppression, range validation and quality scoring.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/observability"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	candidateWindow = 5 * time.Minute
	duplicateWindow = 60 * time.Second
	valueTolerance  = 0.1
)

// Range is the plausible interval for a metric type in its canonical unit.
type Range struct {
	Min  float64
	Max  float64
	Unit string
}

// DefaultRanges holds physiological limits. Types absent here are accepted
// with full quality.
var DefaultRanges = map[string]Range{
	"glucose":            {Min: 40, Max: 400, Unit: "mg/dL"},
	"heart_rate":         {Min: 30, Max: 220, Unit: "bpm"},
	"resting_heart_rate": {Min: 30, Max: 220, Unit: "bpm"},
	"spo2":               {Min: 70, Max: 100, Unit: "%"},
	"sleep_hours":        {Min: 0, Max: 24, Unit: "h"},
}

// Record is a proposed metric.
type Record struct {
	UserID     string
	ProfileID  string
	Source     string
	MetricType string
	Value      float64
	Unit       string
	Timestamp  time.Time
	Raw        json.RawMessage
}

// Result reports what IngestMetric did.
type Result struct {
	Success     bool
	IsDuplicate bool
	IsAnomaly   bool
	MetricID    string
}

// Normalizer writes HealthMetric rows.
type Normalizer struct {
	db      *gorm.DB
	ranges  map[string]Range
	log     *logging.Logger
	metrics *observability.Metrics
}

// NewNormalizer builds a normalizer. A nil ranges map selects DefaultRanges.
func NewNormalizer(db *gorm.DB, ranges map[string]Range, log *logging.Logger, metrics *observability.Metrics) *Normalizer {
	if ranges == nil {
		ranges = DefaultRanges
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Normalizer{db: db, ranges: ranges, log: log, metrics: metrics}
}

// IngestMetric stores rec unless a near-identical observation already exists.
// Out-of-range values are stored with quality 0 and a DataQualityIssue.
func (n *Normalizer) IngestMetric(ctx context.Context, rec Record) (Result, error) {
	if rec.UserID == "" || rec.Source == "" || rec.MetricType == "" {
		return Result{}, errors.New("ingest: user, source and metric type are required")
	}
	if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
		return Result{}, fmt.Errorf("ingest: non-finite %s value", rec.MetricType)
	}
	rec.MetricType = strings.ToLower(strings.TrimSpace(rec.MetricType))
	rec.Unit = CanonicalUnit(rec.Unit)
	rec.Timestamp = rec.Timestamp.UTC()

	quality, reason := n.Assess(rec.MetricType, rec.Value, rec.Unit)
	var result Result
	err := n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dup, err := isDuplicate(tx, rec)
		if err != nil {
			return err
		}
		if dup {
			result = Result{Success: true, IsDuplicate: true}
			return nil
		}

		metric := models.HealthMetric{
			ID:            uuid.NewString(),
			UserID:        rec.UserID,
			ProfileID:     rec.ProfileID,
			Source:        rec.Source,
			MetricType:    rec.MetricType,
			Value:         rec.Value,
			Unit:          rec.Unit,
			Timestamp:     rec.Timestamp,
			QualityScore:  quality,
			IsAnomaly:     reason != "",
			AnomalyReason: reason,
			RawPayload:    datatypes.JSON(rec.Raw),
		}
		if err := tx.Create(&metric).Error; err != nil {
			return err
		}
		if metric.IsAnomaly {
			issue := models.DataQualityIssue{
				ID:         uuid.NewString(),
				MetricID:   metric.ID,
				UserID:     rec.UserID,
				Source:     rec.Source,
				MetricType: rec.MetricType,
				Value:      rec.Value,
				Reason:     reason,
			}
			if err := tx.Create(&issue).Error; err != nil {
				return err
			}
		}
		result = Result{Success: true, IsAnomaly: metric.IsAnomaly, MetricID: metric.ID}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", rec.MetricType, err)
	}

	switch {
	case result.IsDuplicate:
		n.metrics.MetricIngested(rec.MetricType, "duplicate")
	case result.IsAnomaly:
		n.metrics.MetricIngested(rec.MetricType, "anomaly")
		n.log.Warn("metric flagged", "user_id", rec.UserID, "source", rec.Source, "metric_type", rec.MetricType, "reason", reason)
	default:
		n.metrics.MetricIngested(rec.MetricType, "stored")
	}
	return result, nil
}

// Assess scores a value against the range table, returning the quality
// score and, for anomalies, a reason.
func (n *Normalizer) Assess(metricType string, value float64, unit string) (float64, string) {
	r, ok := n.ranges[metricType]
	if !ok {
		return 1.0, ""
	}
	if r.Unit != "" && unit != "" && unit != r.Unit {
		return 0, fmt.Sprintf("%s reported in %s, expected %s", metricType, unit, r.Unit)
	}
	if value < r.Min || value > r.Max {
		return 0, fmt.Sprintf("%s value %g outside plausible range [%g, %g] %s", metricType, value, r.Min, r.Max, r.Unit)
	}
	return 1.0, ""
}

func isDuplicate(tx *gorm.DB, rec Record) (bool, error) {
	var candidates []models.HealthMetric
	err := tx.Select("id", "value", "timestamp").
		Where("user_id = ? AND source = ? AND metric_type = ? AND timestamp BETWEEN ? AND ?",
			rec.UserID, rec.Source, rec.MetricType,
			rec.Timestamp.Add(-candidateWindow), rec.Timestamp.Add(candidateWindow)).
		Find(&candidates).Error
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		dt := c.Timestamp.Sub(rec.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		if math.Abs(c.Value-rec.Value) <= valueTolerance && dt <= duplicateWindow {
			return true, nil
		}
	}
	return false, nil
}

// CanonicalUnit normalises common unit spellings.
func CanonicalUnit(unit string) string {
	u := strings.TrimSpace(unit)
	switch strings.ToLower(u) {
	case "mg/dl", "mgdl", "mg_dl", "mg per dl":
		return "mg/dL"
	case "mmol/l", "mmol", "mmol_l":
		return "mmol/L"
	case "bpm", "beats/min", "count/min":
		return "bpm"
	case "%", "percent", "pct":
		return "%"
	case "h", "hr", "hrs", "hour", "hours":
		return "h"
	}
	return u
}

// RangesFrom adapts catalog-style overrides onto the defaults.
func RangesFrom(overrides map[string]Range) map[string]Range {
	merged := make(map[string]Range, len(DefaultRanges)+len(overrides))
	for k, v := range DefaultRanges {
		merged[k] = v
	}
	for k, v := range overrides {
		v.Unit = CanonicalUnit(v.Unit)
		merged[k] = v
	}
	return merged
}
