package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/robfig/cron"
)

// Scheduler fires the job on a six-field cron expression evaluated in UTC.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
}

func NewScheduler(ctx context.Context, job *Job, spec string, log *logging.Logger) (*Scheduler, error) {
	if log == nil {
		log = logging.NewNop()
	}
	c := cron.NewWithLocation(time.UTC)
	err := c.AddFunc(spec, func() {
		if _, err := job.RunPrevious(ctx); err != nil {
			log.Error("scheduled aggregation failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid aggregation schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, log: log}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	if entries := s.cron.Entries(); len(entries) > 0 {
		s.log.Info("aggregation scheduled", "next", entries[0].Next.Format(time.RFC3339))
	}
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}
