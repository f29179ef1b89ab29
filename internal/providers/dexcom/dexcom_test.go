package dexcom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const webhookBody = `{
  "eventId": "evt-77",
  "userId": "dex-user-1",
  "timestamp": "2026-01-30T08:10:00Z",
  "records": [
    {"recordId": "r1", "systemTime": "2026-01-30T08:00:00", "value": 104, "trend": "flat", "unit": "mg/dL"},
    {"recordId": "r2", "systemTime": "2026-01-30T08:05:00", "value": null, "status": "low", "unit": "mg/dL"},
    {"recordId": "r3", "systemTime": "2026-01-30T08:10:00", "value": 6.2, "trend": "fortyFiveUp", "unit": "mmol/L"}
  ]
}`

func TestVerify(t *testing.T) {
	p := New(catalog.ProviderInfo{WebhookSecret: "dex-secret"}, nil, nil)
	body := []byte(webhookBody)
	h := http.Header{}
	h.Set(SignatureHeader, signature.SHA256Hex([]byte("dex-secret"), body))
	assert.True(t, p.Verify(body, h))

	body[10] ^= 0x01
	assert.False(t, p.Verify(body, h))
}

func TestParseAndExtract(t *testing.T) {
	p := New(catalog.ProviderInfo{}, nil, nil)
	deliveries, err := p.ParseDeliveries([]byte(webhookBody))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "evt-77", deliveries[0].EventID)
	assert.Equal(t, "dex-user-1", deliveries[0].ExternalUserID)

	metrics, errs := p.ExtractMetrics(deliveries[0])
	require.Len(t, errs, 1, "the low reading has no value")
	require.Len(t, metrics, 2)
	assert.Equal(t, 104.0, metrics[0].Value)
	assert.Equal(t, "flat", metrics[0].Trend)
	assert.Equal(t, time.Date(2026, 1, 30, 8, 0, 0, 0, time.UTC), metrics[0].Timestamp)
	assert.Equal(t, "mmol/L", metrics[1].Unit)
}

func TestParseDeliveries_FallsBackToFirstRecord(t *testing.T) {
	p := New(catalog.ProviderInfo{}, nil, nil)
	deliveries, err := p.ParseDeliveries([]byte(`{"userId":"u","egvs":[{"recordId":"r9","systemTime":"2026-01-30T09:00:00","value":99}]}`))
	require.NoError(t, err)
	assert.Equal(t, "r9", deliveries[0].EventID)
	assert.Equal(t, "2026-01-30T09:00:00", deliveries[0].Timestamp)

	_, err = p.ParseDeliveries([]byte(`{"records":[]}`))
	assert.ErrorIs(t, err, providers.ErrMalformedPayload)
}

func TestPull_SplitsLongRanges(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v3/users/self/egvs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"recordType":"egv","records":[{"recordId":"x","systemTime":"` + r.URL.Query().Get("startDate") + `","value":120,"unit":"mg/dL"}]}`))
	}))
	defer srv.Close()

	p := New(catalog.ProviderInfo{APIBaseURL: srv.URL}, nil, nil)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	metrics, err := p.Pull(context.Background(), providers.PullRequest{
		AccessToken: "tok",
		Start:       end.AddDate(0, 0, -45),
		End:         end,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, metrics, 2)
}

func TestPull_LogsSkippedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"recordType":"egv","records":[
		  {"recordId":"ok","systemTime":"2026-01-30T08:00:00","value":131,"unit":"mg/dL"},
		  {"recordId":"gap","systemTime":"2026-01-30T08:05:00","value":null,"status":"low","unit":"mg/dL"}
		]}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	p := New(catalog.ProviderInfo{APIBaseURL: srv.URL}, nil, logging.FromCore(core))
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	metrics, err := p.Pull(context.Background(), providers.PullRequest{
		AccessToken: "tok",
		Start:       end.AddDate(0, 0, -1),
		End:         end,
	})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 131.0, metrics[0].Value)

	entries := logs.FilterMessage("dexcom pull skipped records").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["skipped"])
	assert.Contains(t, entries[0].ContextMap()["first_error"], "gap")
}
