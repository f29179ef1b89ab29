// Package fitbit integrates the Fitbit Web API. Fitbit webhooks only
// announce that a collection changed for a day; data is pulled afterwards.
package fitbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/signature"
	"github.com/engramkeep/health-connector/internal/util"
)

const (
	Name            = "fitbit"
	SignatureHeader = "X-Fitbit-Signature"

	CollectionActivities = "activities"
	CollectionSleep      = "sleep"
	CollectionBody       = "body"

	dateLayout     = "2006-01-02"
	localLayout    = "2006-01-02T15:04:05.000"
	dateTimeLayout = "2006-01-02 15:04:05"
)

var defaultCollections = []string{CollectionActivities, CollectionSleep, CollectionBody}

type Provider struct {
	info   catalog.ProviderInfo
	client *http.Client
}

func New(info catalog.ProviderInfo, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{info: info, client: client}
}

func (p *Provider) Name() string       { return Name }
func (p *Provider) RequiresPull() bool { return true }
func (p *Provider) UsesOAuth() bool    { return true }

// AckStatus is 204; Fitbit disables subscribers that answer otherwise.
func (p *Provider) AckStatus() int { return http.StatusNoContent }

// Verify checks base64(HMAC-SHA1(secret+"&", body)). The webhook secret
// falls back to the client secret, which is what Fitbit signs with.
func (p *Provider) Verify(body []byte, header http.Header) bool {
	secret := p.info.WebhookSecret
	if secret == "" {
		secret = p.info.ClientSecret
	}
	if secret == "" {
		return false
	}
	return signature.VerifySHA1Base64(secret+"&", body, header.Get(SignatureHeader))
}

type notification struct {
	CollectionType string `json:"collectionType"`
	Date           string `json:"date"`
	OwnerID        string `json:"ownerId"`
	OwnerType      string `json:"ownerType"`
	SubscriptionID string `json:"subscriptionId"`
}

func (p *Provider) ParseDeliveries(body []byte) ([]providers.Delivery, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)
	}
	deliveries := make([]providers.Delivery, 0, len(raw))
	for i, item := range raw {
		var n notification
		if err := json.Unmarshal(item, &n); err != nil {
			return nil, fmt.Errorf("%w: notification %d: %v", providers.ErrMalformedPayload, i, err)
		}
		if n.OwnerID == "" || n.CollectionType == "" {
			return nil, fmt.Errorf("%w: notification %d missing owner or collection", providers.ErrMalformedPayload, i)
		}
		day, err := time.Parse(dateLayout, n.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: notification %d date %q", providers.ErrMalformedPayload, i, n.Date)
		}
		deliveries = append(deliveries, providers.Delivery{
			EventID:        n.OwnerID + ":" + n.CollectionType + ":" + n.SubscriptionID,
			EventType:      n.CollectionType,
			Timestamp:      n.Date,
			ExternalUserID: n.OwnerID,
			Payload:        item,
			Date:           day,
			Collections:    []string{n.CollectionType},
		})
	}
	return deliveries, nil
}

// ExtractMetrics returns nothing: notifications carry no data.
func (p *Provider) ExtractMetrics(providers.Delivery) ([]providers.Metric, []error) {
	return nil, nil
}

func (p *Provider) Pull(ctx context.Context, req providers.PullRequest) ([]providers.Metric, error) {
	collections := req.Collections
	if len(collections) == 0 {
		collections = defaultCollections
	}
	var out []providers.Metric
	for _, day := range providers.DayRange(req.Start, req.End) {
		for _, c := range collections {
			var metrics []providers.Metric
			var err error
			switch c {
			case CollectionActivities:
				metrics, err = p.pullActivities(ctx, req.AccessToken, day)
			case CollectionSleep:
				metrics, err = p.pullSleep(ctx, req.AccessToken, day)
			case CollectionBody:
				metrics, err = p.pullWeight(ctx, req.AccessToken, day)
			default:
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, metrics...)
		}
	}
	return out, nil
}

func (p *Provider) pullActivities(ctx context.Context, accessToken string, day time.Time) ([]providers.Metric, error) {
	var resp struct {
		Summary struct {
			Steps               *float64 `json:"steps"`
			RestingHeartRate    *float64 `json:"restingHeartRate"`
			CaloriesOut         *float64 `json:"caloriesOut"`
			FairlyActiveMinutes *float64 `json:"fairlyActiveMinutes"`
			VeryActiveMinutes   *float64 `json:"veryActiveMinutes"`
		} `json:"summary"`
	}
	raw, err := p.get(ctx, accessToken, "/1/user/-/activities/date/"+day.Format(dateLayout)+".json", &resp)
	if err != nil {
		return nil, err
	}
	s := resp.Summary
	var out []providers.Metric
	add := func(v *float64, metricType, unit string) {
		if v != nil {
			out = append(out, providers.Metric{Type: metricType, Value: *v, Unit: unit, Timestamp: day, Raw: raw})
		}
	}
	add(s.Steps, providers.MetricSteps, "count")
	add(s.RestingHeartRate, providers.MetricRestingHeartRate, "bpm")
	add(s.CaloriesOut, providers.MetricCalories, "kcal")
	if s.FairlyActiveMinutes != nil || s.VeryActiveMinutes != nil {
		total := 0.0
		if s.FairlyActiveMinutes != nil {
			total += *s.FairlyActiveMinutes
		}
		if s.VeryActiveMinutes != nil {
			total += *s.VeryActiveMinutes
		}
		add(&total, providers.MetricActiveMinutes, "min")
	}
	return out, nil
}

func (p *Provider) pullSleep(ctx context.Context, accessToken string, day time.Time) ([]providers.Metric, error) {
	var resp struct {
		Sleep []struct {
			Efficiency  float64 `json:"efficiency"`
			IsMainSleep bool    `json:"isMainSleep"`
			EndTime     string  `json:"endTime"`
		} `json:"sleep"`
		Summary struct {
			TotalMinutesAsleep *float64 `json:"totalMinutesAsleep"`
		} `json:"summary"`
	}
	raw, err := p.get(ctx, accessToken, "/1.2/user/-/sleep/date/"+day.Format(dateLayout)+".json", &resp)
	if err != nil {
		return nil, err
	}
	var out []providers.Metric
	if len(resp.Sleep) == 0 {
		return nil, nil
	}
	if m := resp.Summary.TotalMinutesAsleep; m != nil {
		out = append(out, providers.Metric{Type: providers.MetricSleepHours, Value: *m / 60, Unit: "h", Timestamp: day, Raw: raw})
	}
	for _, s := range resp.Sleep {
		if !s.IsMainSleep {
			continue
		}
		ts := day
		if end, err := time.Parse(localLayout, s.EndTime); err == nil {
			ts = end.UTC()
		}
		out = append(out, providers.Metric{Type: providers.MetricSleepEfficiency, Value: s.Efficiency, Unit: "%", Timestamp: ts, Raw: raw})
	}
	return out, nil
}

func (p *Provider) pullWeight(ctx context.Context, accessToken string, day time.Time) ([]providers.Metric, error) {
	var resp struct {
		Weight []struct {
			Date   string  `json:"date"`
			Time   string  `json:"time"`
			Weight float64 `json:"weight"`
		} `json:"weight"`
	}
	raw, err := p.get(ctx, accessToken, "/1/user/-/body/log/weight/date/"+day.Format(dateLayout)+".json", &resp)
	if err != nil {
		return nil, err
	}
	var out []providers.Metric
	for _, w := range resp.Weight {
		ts, err := time.Parse(dateTimeLayout, w.Date+" "+w.Time)
		if err != nil {
			ts = day
		}
		out = append(out, providers.Metric{Type: providers.MetricWeight, Value: w.Weight, Unit: "kg", Timestamp: ts.UTC(), Raw: raw})
	}
	return out, nil
}

func (p *Provider) get(ctx context.Context, accessToken, path string, out interface{}) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.info.APIBaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fitbit %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := providers.CheckRateLimit(Name, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("fitbit %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fitbit %s: status %d: %s", path, resp.StatusCode, util.TruncateBytes(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("fitbit %s: %w: %v", path, providers.ErrMalformedPayload, err)
	}
	return data, nil
}
