// Package terra integrates the Terra aggregation API. Terra webhooks embed
// the data, so no follow-up pull is needed on delivery.
package terra

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/signature"
	"github.com/engramkeep/health-connector/internal/util"
)

const (
	Name            = "terra"
	SignatureHeader = "terra-signature"
)

// Event types carrying data.
const (
	TypeDaily    = "daily"
	TypeActivity = "activity"
	TypeSleep    = "sleep"
	TypeBody     = "body"
	TypeAuth     = "auth"
	TypeReauth   = "user_reauth"
)

var defaultCollections = []string{TypeDaily, TypeSleep, TypeBody}

// Provider implements providers.Provider for Terra.
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
func (p *Provider) UsesOAuth() bool    { return false }
func (p *Provider) AckStatus() int     { return http.StatusOK }

// Verify accepts either a bare hex digest of the body or the timestamped
// "t=<ts>,v1=<hex>" form signed over "<ts>.<body>".
func (p *Provider) Verify(body []byte, header http.Header) bool {
	raw := strings.TrimSpace(header.Get(SignatureHeader))
	if raw == "" || p.info.WebhookSecret == "" {
		return false
	}
	if !strings.Contains(raw, "=") {
		return signature.VerifySHA256Hex(p.info.WebhookSecret, body, raw)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" {
		return false
	}
	signed := append([]byte(ts+"."), body...)
	for _, s := range sigs {
		if signature.VerifySHA256Hex(p.info.WebhookSecret, signed, s) {
			return true
		}
	}
	return false
}

type user struct {
	UserID      string `json:"user_id"`
	Provider    string `json:"provider"`
	ReferenceID string `json:"reference_id"`
}

type envelope struct {
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	User        *user             `json:"user"`
	NewUser     *user             `json:"new_user"`
	ReferenceID string            `json:"reference_id"`
	Data        []json.RawMessage `json:"data"`
}

type metadata struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// ParseDeliveries treats the whole body as one delivery.
func (p *Provider) ParseDeliveries(body []byte) ([]providers.Delivery, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", providers.ErrMalformedPayload)
	}

	d := providers.Delivery{
		EventType: env.Type,
		Payload:   json.RawMessage(body),
	}
	u := env.User
	if env.Type == TypeReauth && env.NewUser != nil {
		u = env.NewUser
	}
	if u != nil {
		d.ExternalUserID = u.UserID
	}
	d.EventID = d.ExternalUserID + ":" + env.Type
	d.Timestamp = deliveryWindow(env.Data)

	if (env.Type == TypeAuth || env.Type == TypeReauth) && u != nil && strings.EqualFold(env.Status, "success") {
		ref := u.ReferenceID
		if ref == "" {
			ref = env.ReferenceID
		}
		d.Link = &providers.AccountLink{ReferenceID: ref, ExternalUserID: u.UserID}
	}
	return []providers.Delivery{d}, nil
}

// deliveryWindow identifies the data window of a payload. Payloads without
// metadata fall back to a digest of their data.
func deliveryWindow(data []json.RawMessage) string {
	var first, last string
	for _, item := range data {
		var head struct {
			Metadata metadata `json:"metadata"`
		}
		if json.Unmarshal(item, &head) != nil {
			continue
		}
		if st := head.Metadata.StartTime; st != "" && (first == "" || st < first) {
			first = st
		}
		if head.Metadata.EndTime > last {
			last = head.Metadata.EndTime
		}
	}
	if first != "" || last != "" {
		return first + "/" + last
	}
	h := sha256.New()
	for _, item := range data {
		h.Write(item)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ExtractMetrics reads the embedded data items of a delivery.
func (p *Provider) ExtractMetrics(d providers.Delivery) ([]providers.Metric, []error) {
	var env envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)}
	}
	return extract(env.Type, env.Data)
}

func extract(dataType string, items []json.RawMessage) ([]providers.Metric, []error) {
	var metrics []providers.Metric
	var errs []error
	for i, item := range items {
		var got []providers.Metric
		var err error
		switch dataType {
		case TypeDaily, TypeActivity:
			got, err = extractActivity(item)
		case TypeSleep:
			got, err = extractSleep(item)
		case TypeBody:
			var sampleErrs []error
			got, sampleErrs = extractBody(item)
			for _, e := range sampleErrs {
				errs = append(errs, fmt.Errorf("%s item %d: %w", dataType, i, e))
			}
		default:
			return nil, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s item %d: %w", dataType, i, err))
			continue
		}
		metrics = append(metrics, got...)
	}
	return metrics, errs
}

type activityItem struct {
	Metadata     metadata `json:"metadata"`
	DistanceData struct {
		Steps *float64 `json:"steps"`
	} `json:"distance_data"`
	CaloriesData struct {
		TotalBurnedCalories *float64 `json:"total_burned_calories"`
	} `json:"calories_data"`
	HeartRateData struct {
		Summary struct {
			RestingHRBpm *float64 `json:"resting_hr_bpm"`
			AvgHRBpm     *float64 `json:"avg_hr_bpm"`
		} `json:"summary"`
	} `json:"heart_rate_data"`
	OxygenData struct {
		AvgSaturationPercentage *float64 `json:"avg_saturation_percentage"`
	} `json:"oxygen_data"`
	ActiveDurationsData struct {
		ActivitySeconds *float64 `json:"activity_seconds"`
	} `json:"active_durations_data"`
}

func extractActivity(raw json.RawMessage) ([]providers.Metric, error) {
	var item activityItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)
	}
	ts, err := parseTime(item.Metadata.StartTime)
	if err != nil {
		return nil, err
	}
	var out []providers.Metric
	add := func(v *float64, metricType, unit string, scale float64) {
		if v == nil {
			return
		}
		out = append(out, providers.Metric{Type: metricType, Value: *v * scale, Unit: unit, Timestamp: ts, Raw: raw})
	}
	add(item.DistanceData.Steps, providers.MetricSteps, "count", 1)
	add(item.CaloriesData.TotalBurnedCalories, providers.MetricCalories, "kcal", 1)
	add(item.HeartRateData.Summary.RestingHRBpm, providers.MetricRestingHeartRate, "bpm", 1)
	add(item.HeartRateData.Summary.AvgHRBpm, providers.MetricHeartRate, "bpm", 1)
	add(item.OxygenData.AvgSaturationPercentage, providers.MetricSpO2, "%", 1)
	add(item.ActiveDurationsData.ActivitySeconds, providers.MetricActiveMinutes, "min", 1.0/60)
	return out, nil
}

type sleepItem struct {
	Metadata           metadata `json:"metadata"`
	SleepDurationsData struct {
		Asleep struct {
			DurationAsleepStateSeconds *float64 `json:"duration_asleep_state_seconds"`
		} `json:"asleep"`
		SleepEfficiency *float64 `json:"sleep_efficiency"`
	} `json:"sleep_durations_data"`
}

func extractSleep(raw json.RawMessage) ([]providers.Metric, error) {
	var item sleepItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)
	}
	ts, err := parseTime(item.Metadata.EndTime)
	if err != nil {
		return nil, err
	}
	var out []providers.Metric
	if s := item.SleepDurationsData.Asleep.DurationAsleepStateSeconds; s != nil {
		out = append(out, providers.Metric{Type: providers.MetricSleepHours, Value: *s / 3600, Unit: "h", Timestamp: ts, Raw: raw})
	}
	if e := item.SleepDurationsData.SleepEfficiency; e != nil {
		v := *e
		// Terra reports efficiency as a 0-1 fraction.
		if v <= 1 {
			v *= 100
		}
		out = append(out, providers.Metric{Type: providers.MetricSleepEfficiency, Value: v, Unit: "%", Timestamp: ts, Raw: raw})
	}
	return out, nil
}

type bodyItem struct {
	Metadata    metadata `json:"metadata"`
	GlucoseData struct {
		BloodGlucoseSamples []struct {
			Timestamp           string   `json:"timestamp"`
			BloodGlucoseMgPerDL *float64 `json:"blood_glucose_mg_per_dL"`
			GlucoseLevelFlag    *int     `json:"glucose_level_flag"`
			TrendArrow          *int     `json:"trend_arrow"`
		} `json:"blood_glucose_samples"`
	} `json:"glucose_data"`
	MeasurementsData struct {
		Measurements []struct {
			MeasurementTime string   `json:"measurement_time"`
			WeightKg        *float64 `json:"weight_kg"`
		} `json:"measurements"`
	} `json:"measurements_data"`
	OxygenData struct {
		SaturationSamples []struct {
			Timestamp  string   `json:"timestamp"`
			Percentage *float64 `json:"percentage"`
		} `json:"saturation_samples"`
	} `json:"oxygen_data"`
}

// extractBody reads every sample of a body item. A sample with an unreadable
// timestamp is reported and skipped; the rest of the item is kept.
func extractBody(raw json.RawMessage) ([]providers.Metric, []error) {
	var item bodyItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", providers.ErrMalformedPayload, err)}
	}
	var out []providers.Metric
	var errs []error
	for i, s := range item.GlucoseData.BloodGlucoseSamples {
		if s.BloodGlucoseMgPerDL == nil {
			continue
		}
		ts, err := parseTime(s.Timestamp)
		if err != nil {
			errs = append(errs, fmt.Errorf("glucose sample %d: %w", i, err))
			continue
		}
		m := providers.Metric{Type: providers.MetricGlucose, Value: *s.BloodGlucoseMgPerDL, Unit: "mg/dL", Timestamp: ts, Raw: raw}
		if s.TrendArrow != nil {
			m.Trend = trendArrow(*s.TrendArrow)
		}
		out = append(out, m)
	}
	for i, s := range item.MeasurementsData.Measurements {
		if s.WeightKg == nil {
			continue
		}
		ts, err := parseTime(s.MeasurementTime)
		if err != nil {
			errs = append(errs, fmt.Errorf("measurement %d: %w", i, err))
			continue
		}
		out = append(out, providers.Metric{Type: providers.MetricWeight, Value: *s.WeightKg, Unit: "kg", Timestamp: ts, Raw: raw})
	}
	for i, s := range item.OxygenData.SaturationSamples {
		if s.Percentage == nil {
			continue
		}
		ts, err := parseTime(s.Timestamp)
		if err != nil {
			errs = append(errs, fmt.Errorf("saturation sample %d: %w", i, err))
			continue
		}
		out = append(out, providers.Metric{Type: providers.MetricSpO2, Value: *s.Percentage, Unit: "%", Timestamp: ts, Raw: raw})
	}
	return out, errs
}

// trendArrow maps Terra's numeric trend enum onto Dexcom-style names.
func trendArrow(v int) string {
	switch v {
	case 1:
		return "doubleDown"
	case 2:
		return "singleDown"
	case 3:
		return "fortyFiveDown"
	case 4:
		return "flat"
	case 5:
		return "fortyFiveUp"
	case 6:
		return "singleUp"
	case 7:
		return "doubleUp"
	}
	return ""
}

// Pull fetches summaries from the REST API for each collection.
func (p *Provider) Pull(ctx context.Context, req providers.PullRequest) ([]providers.Metric, error) {
	if req.ExternalUserID == "" {
		return nil, fmt.Errorf("terra pull: missing user id")
	}
	collections := req.Collections
	if len(collections) == 0 {
		collections = defaultCollections
	}
	var out []providers.Metric
	for _, c := range collections {
		q := url.Values{}
		q.Set("user_id", req.ExternalUserID)
		q.Set("start_date", req.Start.UTC().Format("2006-01-02"))
		q.Set("end_date", req.End.UTC().Format("2006-01-02"))
		q.Set("to_webhook", "false")

		var env envelope
		if err := p.do(ctx, http.MethodGet, "/"+c+"?"+q.Encode(), nil, &env); err != nil {
			return nil, err
		}
		metrics, errs := extract(c, env.Data)
		if len(errs) > 0 {
			p.log.Warn("terra pull skipped records", "collection", c, "terra_user", req.ExternalUserID, "skipped", len(errs), "first_error", errs[0].Error())
		}
		out = append(out, metrics...)
	}
	return out, nil
}

// WidgetSession creates a hosted connection session and returns its URL.
func (p *Provider) WidgetSession(ctx context.Context, referenceID, successURL, failureURL string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"reference_id":              referenceID,
		"auth_success_redirect_url": successURL,
		"auth_failure_redirect_url": failureURL,
		"language":                  "en",
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Status string `json:"status"`
		URL    string `json:"url"`
	}
	if err := p.do(ctx, http.MethodPost, "/auth/generateWidgetSession", reqBody, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("terra widget session: empty url (status %q)", resp.Status)
	}
	return resp.URL, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.info.APIBaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("dev-id", p.info.DevID)
	req.Header.Set("x-api-key", p.info.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("terra %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := providers.CheckRateLimit(Name, resp); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("terra %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("terra %s: status %d: %s", path, resp.StatusCode, util.TruncateBytes(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("terra %s: %w: %v", path, providers.ErrMalformedPayload, err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", providers.ErrMalformedPayload)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", providers.ErrMalformedPayload, s)
	}
	return t.UTC(), nil
}
