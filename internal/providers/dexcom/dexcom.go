// Package dexcom integrates the Dexcom CGM API (v3 estimated glucose values).
package dexcom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/signature"
	"github.com/engramkeep/health-connector/internal/util"
)

const (
	Name            = "dexcom"
	SignatureHeader = "X-Dexcom-Signature"

	// maxWindow is the widest date range the EGV endpoint accepts.
	maxWindow   = 30 * 24 * time.Hour
	queryLayout = "2006-01-02T15:04:05"
)

type Provider struct {
	info   catalog.ProviderInfo
	client *http.Client
	log    *logging.Logger
}

func New(info catalog.ProviderInfo, client *http.Client, log *logging.Logger) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Provider{info: info, client: client, log: log}
}

func (p *Provider) Name() string       { return Name }
func (p *Provider) RequiresPull() bool { return false }
func (p *Provider) UsesOAuth() bool    { return true }
func (p *Provider) AckStatus() int     { return http.StatusOK }

func (p *Provider) Verify(body []byte, header http.Header) bool {
	return signature.VerifySHA256Hex(p.info.WebhookSecret, body, header.Get(SignatureHeader))
}

type egv struct {
	RecordID    string   `json:"recordId"`
	SystemTime  string   `json:"systemTime"`
	DisplayTime string   `json:"displayTime"`
	Value       *float64 `json:"value"`
	Status      *string  `json:"status"`
	Trend       string   `json:"trend"`
	Unit        string   `json:"unit"`
}

type envelope struct {
	EventID   string            `json:"eventId"`
	EventType string            `json:"eventType"`
	UserID    string            `json:"userId"`
	Timestamp string            `json:"timestamp"`
	Records   []json.RawMessage `json:"records"`
	EGVs      []json.RawMessage `json:"egvs"`
}

func (e envelope) items() []json.RawMessage {
	if len(e.Records) > 0 {
		return e.Records
	}
	return e.EGVs
}

func (p *Provider) ParseDeliveries(body []byte) ([]providers.Delivery, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)
	}
	if env.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", providers.ErrMalformedPayload)
	}

	eventID, ts := env.EventID, env.Timestamp
	if items := env.items(); len(items) > 0 && (eventID == "" || ts == "") {
		var first egv
		if err := json.Unmarshal(items[0], &first); err == nil {
			if eventID == "" {
				eventID = first.RecordID
			}
			if ts == "" {
				ts = first.SystemTime
			}
		}
	}
	eventType := env.EventType
	if eventType == "" {
		eventType = "egvs"
	}
	return []providers.Delivery{{
		EventID:        eventID,
		EventType:      eventType,
		Timestamp:      ts,
		ExternalUserID: env.UserID,
		Payload:        json.RawMessage(body),
	}}, nil
}

func (p *Provider) ExtractMetrics(d providers.Delivery) ([]providers.Metric, []error) {
	var env envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)}
	}
	return extractEGVs(env.items())
}

func extractEGVs(items []json.RawMessage) ([]providers.Metric, []error) {
	var out []providers.Metric
	var errs []error
	for i, raw := range items {
		var r egv
		if err := json.Unmarshal(raw, &r); err != nil {
			errs = append(errs, fmt.Errorf("egv %d: %w: %v", i, providers.ErrMalformedPayload, err))
			continue
		}
		if r.Value == nil {
			status := "missing"
			if r.Status != nil {
				status = *r.Status
			}
			errs = append(errs, fmt.Errorf("egv %s: no value (status %s)", r.RecordID, status))
			continue
		}
		ts, err := parseSystemTime(r.SystemTime)
		if err != nil {
			errs = append(errs, fmt.Errorf("egv %s: %w", r.RecordID, err))
			continue
		}
		unit := r.Unit
		if unit == "" {
			unit = "mg/dL"
		}
		out = append(out, providers.Metric{
			Type:      providers.MetricGlucose,
			Value:     *r.Value,
			Unit:      unit,
			Timestamp: ts,
			Trend:     r.Trend,
			Raw:       raw,
		})
	}
	return out, errs
}

// parseSystemTime reads Dexcom's UTC system time, which omits the zone.
func parseSystemTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(queryLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: systemTime %q", providers.ErrMalformedPayload, s)
	}
	return t, nil
}

// Pull fetches EGVs in windows no wider than the API limit.
func (p *Provider) Pull(ctx context.Context, req providers.PullRequest) ([]providers.Metric, error) {
	start, end := req.Start.UTC(), req.End.UTC()
	if !end.After(start) {
		return nil, nil
	}
	var out []providers.Metric
	for from := start; from.Before(end); from = from.Add(maxWindow) {
		to := from.Add(maxWindow)
		if to.After(end) {
			to = end
		}
		items, err := p.fetch(ctx, req.AccessToken, from, to)
		if err != nil {
			return nil, err
		}
		metrics, errs := extractEGVs(items)
		if len(errs) > 0 {
			p.log.Warn("dexcom pull skipped records", "from", from, "to", to, "skipped", len(errs), "first_error", errs[0].Error())
		}
		out = append(out, metrics...)
	}
	return out, nil
}

func (p *Provider) fetch(ctx context.Context, accessToken string, from, to time.Time) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("startDate", from.Format(queryLayout))
	q.Set("endDate", to.Format(queryLayout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.info.APIBaseURL+"/v3/users/self/egvs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dexcom egvs: %w", err)
	}
	defer resp.Body.Close()
	if err := providers.CheckRateLimit(Name, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("dexcom egvs: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dexcom egvs: status %d: %s", resp.StatusCode, util.TruncateBytes(data, 200))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("dexcom egvs: %w: %v", providers.ErrMalformedPayload, err)
	}
	return env.items(), nil
}
