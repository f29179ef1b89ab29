// Package pipeline moves extracted provider metrics into storage: the
// quality gate for every metric plus the canonical glucose series.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/ingest"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/providers"
	"gorm.io/datatypes"
)

// ErrPullFailed wraps errors from a provider data API.
var ErrPullFailed = errors.New("provider pull failed")

// Target names whose data is being written and where it came from.
type Target struct {
	UserID    string
	ProfileID string
	Source    string
}

// Outcome counts what happened to a batch of metrics.
type Outcome struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Anomalies  int `json:"anomalies"`
	Rejected   int `json:"rejected"`
	Glucose    int `json:"glucose_readings"`
}

// Pipeline persists metrics through the quality gate.
type Pipeline struct {
	normalizer *ingest.Normalizer
	glucose    *glucose.Store
	log        *logging.Logger
}

func New(normalizer *ingest.Normalizer, store *glucose.Store, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.NewNop()
	}
	return &Pipeline{normalizer: normalizer, glucose: store, log: log}
}

// Persist writes every metric it can. Metrics that cannot be converted are
// counted as rejected; storage errors are returned after the batch.
func (p *Pipeline) Persist(ctx context.Context, target Target, metrics []providers.Metric) (Outcome, error) {
	var out Outcome
	var errs []error
	var readings []models.GlucoseReading

	for _, m := range metrics {
		value, unit := m.Value, m.Unit
		if m.Type == providers.MetricGlucose {
			mgdl, err := glucose.ToMgDl(m.Value, m.Unit)
			if err != nil {
				out.Rejected++
				p.log.Warn("glucose metric rejected", "user_id", target.UserID, "source", target.Source, "error", err)
				continue
			}
			value, unit = mgdl, glucose.UnitMgDl
		}

		res, err := p.normalizer.IngestMetric(ctx, ingest.Record{
			UserID:     target.UserID,
			ProfileID:  target.ProfileID,
			Source:     target.Source,
			MetricType: m.Type,
			Value:      value,
			Unit:       unit,
			Timestamp:  m.Timestamp,
			Raw:        m.Raw,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case res.IsDuplicate:
			out.Duplicates++
		default:
			out.Stored++
			if res.IsAnomaly {
				out.Anomalies++
			}
		}

		if m.Type == providers.MetricGlucose {
			r := models.GlucoseReading{
				UserID:     target.UserID,
				ProfileID:  target.ProfileID,
				Timestamp:  m.Timestamp,
				Source:     target.Source,
				ValueMgDl:  value,
				Trend:      m.Trend,
				RawPayload: datatypes.JSON(m.Raw),
			}
			if res.IsAnomaly {
				r.QualityFlag = "out_of_range"
			}
			readings = append(readings, r)
		}
	}

	n, err := p.glucose.UpsertReadings(ctx, readings)
	if err != nil {
		errs = append(errs, err)
	}
	out.Glucose = n
	return out, errors.Join(errs...)
}

// Credentials is the slice of the token manager a sync needs.
type Credentials interface {
	GetValidToken(ctx context.Context, userID, provider string) (string, error)
	MarkSynced(ctx context.Context, userID, provider string, at time.Time) error
}

// Syncer pulls a window of data for one account and persists it.
type Syncer struct {
	pipeline *Pipeline
	creds    Credentials
	log      *logging.Logger
}

func NewSyncer(p *Pipeline, creds Credentials, log *logging.Logger) *Syncer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Syncer{pipeline: p, creds: creds, log: log}
}

// Sync fetches [start, end] from the provider for account and stores it.
// Credential errors from the token manager are returned unwrapped so callers
// can match them; provider API failures wrap ErrPullFailed.
func (s *Syncer) Sync(ctx context.Context, prov providers.Provider, account *models.ProviderAccount, start, end time.Time, collections []string) (Outcome, error) {
	req := providers.PullRequest{
		ExternalUserID: account.ExternalUserID,
		Start:          start,
		End:            end,
		Collections:    collections,
	}
	if prov.UsesOAuth() {
		tok, err := s.creds.GetValidToken(ctx, account.UserID, account.Provider)
		if err != nil {
			return Outcome{}, err
		}
		req.AccessToken = tok
	}

	metrics, err := prov.Pull(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrPullFailed, prov.Name(), err)
	}

	out, err := s.pipeline.Persist(context.WithoutCancel(ctx), Target{
		UserID:    account.UserID,
		ProfileID: account.ProfileID,
		Source:    prov.Name(),
	}, metrics)
	if err != nil {
		return out, err
	}
	if err := s.creds.MarkSynced(context.WithoutCancel(ctx), account.UserID, account.Provider, time.Now().UTC()); err != nil {
		s.log.Warn("failed to record sync time", "user_id", account.UserID, "provider", account.Provider, "error", err)
	}
	s.log.Info("provider sync complete", "user_id", account.UserID, "provider", prov.Name(),
		"stored", out.Stored, "duplicates", out.Duplicates)
	return out, nil
}
