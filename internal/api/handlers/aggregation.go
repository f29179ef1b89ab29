package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/engramkeep/health-connector/internal/aggregation"
	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/api/middleware"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/logging"
)

// RunAggregationHandler runs the daily job for ?day=YYYY-MM-DD, defaulting
// to yesterday. A run that completes with failing series is still returned
// with status 200; its audit row carries the details.
func RunAggregationHandler(job *aggregation.Job, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithoutCancel(r.Context())
		var run *models.JobRun
		var err error
		if raw := r.URL.Query().Get("day"); raw != "" {
			day, perr := time.Parse(aggregation.DayLayout, raw)
			if perr != nil {
				apierr.Write(w, r, log, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "day must be YYYY-MM-DD").WithInternal(perr))
				return
			}
			run, err = job.Run(ctx, day)
		} else {
			run, err = job.RunPrevious(ctx)
		}
		if run == nil {
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Aggregation could not start").WithInternal(err))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, run)
	}
}

// RunsHandler lists recent aggregation audits.
func RunsHandler(job *aggregation.Job, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := job.Runs(r.Context(), limit)
		if err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Could not list runs").WithInternal(err))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
	}
}

// DailyAggregatesHandler returns the caller's summaries for [from, to],
// defaulting to the last 14 days.
func DailyAggregatesHandler(store *glucose.Store, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		to := q.Get("to")
		if to == "" {
			to = time.Now().UTC().Format(aggregation.DayLayout)
		}
		from := q.Get("from")
		if from == "" {
			end, err := time.Parse(aggregation.DayLayout, to)
			if err != nil {
				apierr.Write(w, r, log, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "to must be YYYY-MM-DD"))
				return
			}
			from = end.AddDate(0, 0, -13).Format(aggregation.DayLayout)
		}
		for _, d := range []string{from, to} {
			if _, err := time.Parse(aggregation.DayLayout, d); err != nil {
				apierr.Write(w, r, log, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "dates must be YYYY-MM-DD"))
				return
			}
		}

		rows, err := store.DailyAggregates(r.Context(), middleware.UserID(r.Context()), from, to)
		if err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Could not load aggregates").WithInternal(err))
			return
		}
		if rows == nil {
			rows = []models.GlucoseDailyAggregate{}
		}
		apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{"from": from, "to": to, "days": rows})
	}
}
