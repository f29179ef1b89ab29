// Package providers defines the capability interface every health-data
// vendor integration implements and the static registry that selects one.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// ErrMalformedPayload marks a body that cannot be parsed at all.
var ErrMalformedPayload = errors.New("malformed payload")

// Canonical metric types.
const (
	MetricGlucose          = "glucose"
	MetricHeartRate        = "heart_rate"
	MetricRestingHeartRate = "resting_heart_rate"
	MetricSpO2             = "spo2"
	MetricSleepHours       = "sleep_hours"
	MetricSleepEfficiency  = "sleep_efficiency"
	MetricSteps            = "steps"
	MetricCalories         = "calories"
	MetricWeight           = "weight"
	MetricActiveMinutes    = "active_minutes"
)

// Metric is one observation extracted from a vendor payload.
type Metric struct {
	Type      string
	Value     float64
	Unit      string
	Timestamp time.Time
	// Trend is the CGM trend arrow, glucose only.
	Trend string
	Raw   json.RawMessage
}

// AccountLink is carried by deliveries that announce a new connection.
type AccountLink struct {
	ReferenceID    string
	ExternalUserID string
}

// Delivery is one logical notification inside a webhook body.
type Delivery struct {
	EventID        string
	EventType      string
	Timestamp      string
	ExternalUserID string
	Payload        json.RawMessage
	// Date is the day a notify-only delivery refers to.
	Date time.Time
	// Collections names the data sets a notify-only delivery refers to.
	Collections []string
	Link        *AccountLink
}

// PullRequest describes an authenticated fetch from a provider API.
type PullRequest struct {
	AccessToken    string
	ExternalUserID string
	Start          time.Time
	End            time.Time
	Collections    []string
}

// Provider is the closed set of per-vendor behaviour.
type Provider interface {
	Name() string
	// Verify checks the webhook signature over the raw body.
	Verify(body []byte, header http.Header) bool
	ParseDeliveries(body []byte) ([]Delivery, error)
	// ExtractMetrics returns what could be extracted plus one error per
	// sub-record that could not.
	ExtractMetrics(d Delivery) ([]Metric, []error)
	Pull(ctx context.Context, req PullRequest) ([]Metric, error)
	// RequiresPull is true when webhooks only announce new data.
	RequiresPull() bool
	// UsesOAuth is false for providers authenticated with an API key.
	UsesOAuth() bool
	// AckStatus is the success status code the vendor expects.
	AckStatus() int
}

// WidgetStarter is implemented by providers whose connection flow is a
// hosted widget session instead of an OAuth consent screen.
type WidgetStarter interface {
	WidgetSession(ctx context.Context, referenceID, successURL, failureURL string) (string, error)
}

// Registry maps provider names to implementations.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry builds a registry; names must be unique.
func NewRegistry(ps ...Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		if _, dup := r.byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		r.byName[p.Name()] = p
	}
	return r, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DayRange yields every UTC calendar day touched by [start, end].
func DayRange(start, end time.Time) []time.Time {
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	var days []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
