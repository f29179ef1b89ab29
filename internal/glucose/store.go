package glucose

import (
	"context"
	"fmt"
	"time"

	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SourceManual labels readings from user uploads.
const SourceManual = "manual"

// Pair identifies one (user, profile) series.
type Pair struct {
	UserID    string
	ProfileID string
}

// Store persists readings, events and daily aggregates.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UpsertReadings writes readings keyed on (user, profile, timestamp, source);
// a repeated key replaces the stored value.
func (s *Store) UpsertReadings(ctx context.Context, readings []models.GlucoseReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	// One statement may not touch the same conflict key twice; the last
	// reading for a key wins.
	type key struct {
		user, profile, source string
		ts                    int64
	}
	index := make(map[key]int, len(readings))
	batch := make([]models.GlucoseReading, 0, len(readings))
	for _, r := range readings {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.Timestamp = r.Timestamp.UTC()
		r.UpdatedAt = now
		k := key{r.UserID, r.ProfileID, r.Source, r.Timestamp.UnixNano()}
		if i, ok := index[k]; ok {
			r.ID = batch[i].ID
			batch[i] = r
			continue
		}
		index[k] = len(batch)
		batch = append(batch, r)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "profile_id"}, {Name: "timestamp"}, {Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value_mg_dl", "trend", "quality_flag", "raw_payload", "updated_at",
		}),
	}).CreateInBatches(&batch, 200).Error
	if err != nil {
		return 0, fmt.Errorf("upsert glucose readings: %w", err)
	}
	return len(batch), nil
}

// InsertEvents stores upload events, ignoring rows already present.
func (s *Store) InsertEvents(ctx context.Context, events []models.GlucoseEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		events[i].Timestamp = events[i].Timestamp.UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&events, 200)
	if res.Error != nil {
		return 0, fmt.Errorf("insert glucose events: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ReadingsBetween loads a series in [start, end), ordered by time.
func (s *Store) ReadingsBetween(ctx context.Context, p Pair, start, end time.Time, excludeSource string) ([]models.GlucoseReading, error) {
	var readings []models.GlucoseReading
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND profile_id = ? AND timestamp >= ? AND timestamp < ?", p.UserID, p.ProfileID, start.UTC(), end.UTC())
	if excludeSource != "" {
		q = q.Where("source <> ?", excludeSource)
	}
	if err := q.Order("timestamp").Find(&readings).Error; err != nil {
		return nil, fmt.Errorf("load glucose readings: %w", err)
	}
	return readings, nil
}

// DistinctPairs lists series with readings in [start, end).
func (s *Store) DistinctPairs(ctx context.Context, start, end time.Time, excludeSource string) ([]Pair, error) {
	var pairs []Pair
	q := s.db.WithContext(ctx).Model(&models.GlucoseReading{}).
		Distinct("user_id", "profile_id").
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC())
	if excludeSource != "" {
		q = q.Where("source <> ?", excludeSource)
	}
	if err := q.Order("user_id").Order("profile_id").Scan(&pairs).Error; err != nil {
		return nil, fmt.Errorf("list glucose series: %w", err)
	}
	return pairs, nil
}

// UpsertDailyAggregate writes or replaces the (day, user, profile) row.
func (s *Store) UpsertDailyAggregate(ctx context.Context, agg *models.GlucoseDailyAggregate) error {
	if agg.ID == "" {
		agg.ID = uuid.NewString()
	}
	agg.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "user_id"}, {Name: "profile_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"time_in_range_pct", "time_below_range_pct", "time_above_range_pct",
			"hypo_days", "hyper_days", "mean_glucose", "gmi", "std_dev",
			"coefficient_of_var", "reading_count", "updated_at",
		}),
	}).Create(agg).Error
	if err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return nil
}

// DailyAggregates lists a user's aggregates in [fromDay, toDay], YYYY-MM-DD.
func (s *Store) DailyAggregates(ctx context.Context, userID, fromDay, toDay string) ([]models.GlucoseDailyAggregate, error) {
	var rows []models.GlucoseDailyAggregate
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND day >= ? AND day <= ?", userID, fromDay, toDay).
		Order("day").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list daily aggregates: %w", err)
	}
	return rows, nil
}
