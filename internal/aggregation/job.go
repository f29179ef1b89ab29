// Package aggregation computes the per-day glycemic summary for every
// (user, profile) series with device readings.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// JobName labels aggregation rows in the job audit table.
const JobName = "glucose_daily_aggregation"

const DayLayout = "2006-01-02"

// Clinical targets: at least 70% in range, at most 4% below range.
const (
	TargetTIRPct      = 70.0
	MaxBelowRangePct  = 4.0
	AlertLowTIR       = "low_time_in_range"
	AlertHypoExposure = "hypo_exposure"
)

type Job struct {
	db          *gorm.DB
	store       *glucose.Store
	concurrency int
	log         *logging.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewJob(db *gorm.DB, store *glucose.Store, concurrency int, log *logging.Logger, metrics *observability.Metrics) *Job {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Job{
		db:          db,
		store:       store,
		concurrency: concurrency,
		log:         log.With("job", JobName),
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunPrevious aggregates the last complete UTC day.
func (j *Job) RunPrevious(ctx context.Context) (*models.JobRun, error) {
	return j.Run(ctx, j.now().AddDate(0, 0, -1))
}

// Run aggregates the UTC calendar day containing day. Re-running a day
// rewrites the same rows. A failing series does not stop the others; the
// run is marked failed and its error names every failing series.
func (j *Job) Run(ctx context.Context, day time.Time) (*models.JobRun, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	dayKey := start.Format(DayLayout)
	log := j.log.With("day", dayKey)

	began := j.now()
	run := &models.JobRun{
		ID:        uuid.NewString(),
		JobName:   JobName,
		TargetDay: dayKey,
		Status:    models.JobRunning,
		StartedAt: began,
	}
	if err := j.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("record job start: %w", err)
	}

	rows, runErr := j.aggregate(ctx, log, start, end, dayKey)

	finished := j.now()
	run.FinishedAt = &finished
	run.RowsWritten = rows
	run.DurationMs = finished.Sub(began).Milliseconds()
	run.Status = models.JobSuccess
	if runErr != nil {
		run.Status = models.JobFailed
		run.Error = runErr.Error()
	}
	// The audit row is closed even when ctx was cancelled mid-run.
	if err := j.db.WithContext(context.WithoutCancel(ctx)).Save(run).Error; err != nil {
		log.Error("failed to record job completion", "run_id", run.ID, "error", err)
	}
	j.metrics.AggregationRun(finished.Sub(began), rows)

	if runErr != nil {
		log.Error("aggregation finished with failures", "rows", rows, "error", runErr)
		return run, runErr
	}
	log.Info("aggregation finished", "rows", rows, "duration_ms", run.DurationMs)
	return run, nil
}

func (j *Job) aggregate(ctx context.Context, log *logging.Logger, start, end time.Time, dayKey string) (int, error) {
	pairs, err := j.store.DistinctPairs(ctx, start, end, glucose.SourceManual)
	if err != nil {
		return 0, err
	}

	var (
		written atomic.Int64
		mu      sync.Mutex
		failed  []string
	)
	var g errgroup.Group
	g.SetLimit(j.concurrency)
	for _, p := range pairs {
		p := p
		g.Go(func() error {
			ok, err := j.aggregatePair(ctx, log, p, start, end, dayKey)
			if err != nil {
				log.Warn("series aggregation failed", "user_id", p.UserID, "profile_id", p.ProfileID, "error", err)
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s/%s: %v", p.UserID, p.ProfileID, err))
				mu.Unlock()
				return nil
			}
			if ok {
				written.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return int(written.Load()), errors.New("failed series: " + strings.Join(failed, "; "))
	}
	return int(written.Load()), nil
}

func (j *Job) aggregatePair(ctx context.Context, log *logging.Logger, p glucose.Pair, start, end time.Time, dayKey string) (bool, error) {
	readings, err := j.store.ReadingsBetween(ctx, p, start, end, glucose.SourceManual)
	if err != nil {
		return false, err
	}
	if len(readings) == 0 {
		return false, nil
	}
	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = r.ValueMgDl
	}

	tir := glucose.ComputeTIR(values, glucose.DefaultLow, glucose.DefaultHigh)
	stats := glucose.ComputeStats(values)
	agg := &models.GlucoseDailyAggregate{
		Day:               dayKey,
		UserID:            p.UserID,
		ProfileID:         p.ProfileID,
		TimeInRangePct:    tir.InRangePct,
		TimeBelowRangePct: tir.BelowRangePct,
		TimeAboveRangePct: tir.AboveRangePct,
		HypoDays:          flag(tir.Below > 0),
		HyperDays:         flag(tir.Above > 0),
		MeanGlucose:       stats.Mean,
		GMI:               stats.GMI,
		StdDev:            stats.StdDev,
		CoefficientOfVar:  stats.CV,
		ReadingCount:      stats.Count,
	}
	if err := j.store.UpsertDailyAggregate(context.WithoutCancel(ctx), agg); err != nil {
		return false, err
	}

	if tir.InRangePct < TargetTIRPct {
		j.metrics.GlycemicAlert(AlertLowTIR)
		log.Warn("time in range below target",
			"user_id", p.UserID, "profile_id", p.ProfileID,
			"tir_pct", tir.InRangePct, "target_pct", TargetTIRPct)
	}
	if tir.BelowRangePct > MaxBelowRangePct {
		j.metrics.GlycemicAlert(AlertHypoExposure)
		log.Warn("time below range above limit",
			"user_id", p.UserID, "profile_id", p.ProfileID,
			"below_pct", tir.BelowRangePct, "limit_pct", MaxBelowRangePct)
	}
	return true, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Runs lists the most recent audit rows, newest first.
func (j *Job) Runs(ctx context.Context, limit int) ([]models.JobRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []models.JobRun
	err := j.db.WithContext(ctx).
		Where("job_name = ?", JobName).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}
