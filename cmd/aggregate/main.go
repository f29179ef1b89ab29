// aggregate runs the daily glucose aggregation once, for backfills and
// for schedulers outside the server process.
//
//	aggregate                 # yesterday (UTC)
//	aggregate -day 2026-01-31
//	aggregate -from 2026-01-01 -to 2026-01-31
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/engramkeep/health-connector/internal/aggregation"
	"github.com/engramkeep/health-connector/internal/config"
	"github.com/engramkeep/health-connector/internal/db"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/logging"
)

func main() {
	day := flag.String("day", "", "UTC day to aggregate (YYYY-MM-DD), default yesterday")
	from := flag.String("from", "", "first day of a backfill range")
	to := flag.String("to", "", "last day of a backfill range")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	days, err := targetDays(*day, *from, *to, time.Now().UTC())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	database, err := db.InitDB(cfg.DatabaseURL, false)
	if err != nil {
		log.Fatal("failed to initialize database", "error", err)
	}
	job := aggregation.NewJob(database, glucose.NewStore(database), cfg.AggregationLimit, log, nil)

	failed := 0
	for _, d := range days {
		run, err := job.Run(context.Background(), d)
		if err != nil {
			failed++
			continue
		}
		fmt.Printf("%s\t%s\trows=%d\t%dms\n", run.TargetDay, run.Status, run.RowsWritten, run.DurationMs)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func targetDays(day, from, to string, now time.Time) ([]time.Time, error) {
	switch {
	case day != "" && (from != "" || to != ""):
		return nil, fmt.Errorf("-day cannot be combined with -from/-to")
	case day != "":
		d, err := time.Parse(aggregation.DayLayout, day)
		if err != nil {
			return nil, fmt.Errorf("invalid -day: %w", err)
		}
		return []time.Time{d}, nil
	case from != "" || to != "":
		start, err := time.Parse(aggregation.DayLayout, from)
		if err != nil {
			return nil, fmt.Errorf("invalid -from: %w", err)
		}
		end, err := time.Parse(aggregation.DayLayout, to)
		if err != nil {
			return nil, fmt.Errorf("invalid -to: %w", err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("-to is before -from")
		}
		var days []time.Time
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			days = append(days, d)
		}
		return days, nil
	default:
		return []time.Time{now.AddDate(0, 0, -1)}, nil
	}
}
