package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/engramkeep/health-connector/internal/auth/token"
	"github.com/engramkeep/health-connector/internal/db/dbtest"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/ingest"
	"github.com/engramkeep/health-connector/internal/pipeline"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/dexcom"
	"github.com/engramkeep/health-connector/internal/providers/fitbit"
	"github.com/engramkeep/health-connector/internal/providers/signature"
	"github.com/engramkeep/health-connector/internal/providers/terra"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	dexcomSecret = "dex-secret"
	terraSecret  = "terra-secret"
	fitbitSecret = "fitbit-secret"
)

const dexcomBody = `{
  "eventId": "evt-1",
  "userId": "dex-ext",
  "timestamp": "2026-01-30T08:10:00Z",
  "records": [
    {"recordId": "r1", "systemTime": "2026-01-30T08:00:00", "value": 104, "trend": "flat", "unit": "mg/dL"},
    {"recordId": "r2", "systemTime": "2026-01-30T08:05:00", "value": 6.2, "trend": "fortyFiveUp", "unit": "mmol/L"}
  ]
}`

type harness struct {
	db       *gorm.DB
	manager  *token.Manager
	router   http.Handler
	fitbitUp *httptest.Server
	pulls    atomic.Int32
	failPull atomic.Bool
	limited  atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.fitbitUp = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.pulls.Add(1)
		if h.limited.Load() {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if h.failPull.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"weight":[{"date":"2026-01-30","time":"07:30:00","weight":70.2}]}`))
	}))
	t.Cleanup(h.fitbitUp.Close)

	h.db = dbtest.New(t)
	cat, err := catalog.Parse([]byte("providers:\n  - id: fitbit\n    auth_style: header\n"))
	require.NoError(t, err)
	h.manager = token.NewManager(h.db, cat, nil, nil, nil)

	registry, err := providers.NewRegistry(
		dexcom.New(catalog.ProviderInfo{ID: dexcom.Name, WebhookSecret: dexcomSecret}, nil, nil),
		terra.New(catalog.ProviderInfo{ID: terra.Name, WebhookSecret: terraSecret}, nil, nil),
		fitbit.New(catalog.ProviderInfo{ID: fitbit.Name, WebhookSecret: fitbitSecret, APIBaseURL: h.fitbitUp.URL}, nil),
	)
	require.NoError(t, err)

	p := pipeline.New(ingest.NewNormalizer(h.db, nil, nil, nil), glucose.NewStore(h.db), nil)
	gw := NewGateway(h.db, registry, h.manager, p, pipeline.NewSyncer(p, h.manager, nil), nil, nil)
	r := chi.NewRouter()
	r.Route("/webhooks", gw.Routes)
	h.router = r
	return h
}

func (h *harness) connect(t *testing.T, provider, userID, external string, expiresIn time.Duration, refresh string) {
	t.Helper()
	_, err := h.manager.StoreTokens(context.Background(), token.Grant{
		UserID:         userID,
		Provider:       provider,
		ExternalUserID: external,
		AccessToken:    "access",
		RefreshToken:   refresh,
		ExpiresIn:      expiresIn,
	})
	require.NoError(t, err)
}

func (h *harness) post(provider string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func signed(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

func dexcomHeader(body []byte) http.Header {
	return signed(dexcom.SignatureHeader, signature.SHA256Hex([]byte(dexcomSecret), body))
}

func (h *harness) count(t *testing.T, model interface{}, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestDedupKeyIsStable(t *testing.T) {
	a := DedupKey("dexcom", "evt-1", "2026-01-30T08:10:00Z")
	assert.Equal(t, a, DedupKey("dexcom", "evt-1", "2026-01-30T08:10:00Z"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, DedupKey("dexcom", "evt-1", "2026-01-30T08:10:01Z"))
	assert.NotEqual(t, a, DedupKey("terra", "evt-1", "2026-01-30T08:10:00Z"))
}

func TestDelivery_StoresMetricsAndSuppressesRedelivery(t *testing.T) {
	h := newHarness(t)
	h.connect(t, dexcom.Name, "user-1", "dex-ext", time.Hour, "r")
	body := []byte(dexcomBody)

	rec := h.post(dexcom.Name, body, dexcomHeader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processed", decode(t, rec)["status"])
	assert.EqualValues(t, 2, decode(t, rec)["metrics"])

	rec = h.post(dexcom.Name, body, dexcomHeader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["status"])

	assert.EqualValues(t, 2, h.count(t, &models.WebhookEvent{}, "provider = ?", dexcom.Name), "one audit row per delivery")
	assert.EqualValues(t, 1, h.count(t, &models.WebhookEvent{}, "processed = ?", true))
	assert.EqualValues(t, 1, h.count(t, &models.WebhookEvent{}, "processed = ? AND error = ?", false, "duplicate"))
	assert.EqualValues(t, 2, h.count(t, &models.HealthMetric{}, "user_id = ?", "user-1"))

	var readings []models.GlucoseReading
	require.NoError(t, h.db.Order("timestamp").Find(&readings).Error)
	require.Len(t, readings, 2)
	assert.InDelta(t, 111.7, readings[1].ValueMgDl, 0.1, "mmol/L converted to mg/dL")
}

func TestDelivery_ConcurrentCopiesProcessOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t, dexcom.Name, "user-1", "dex-ext", time.Hour, "r")
	body := []byte(dexcomBody)

	var wg sync.WaitGroup
	codes := make([]int, 4)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.post(dexcom.Name, body, dexcomHeader(body)).Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.EqualValues(t, len(codes), h.count(t, &models.WebhookEvent{}, "provider = ?", dexcom.Name))
	assert.EqualValues(t, 1, h.count(t, &models.WebhookEvent{}, "processed = ?", true))
}

func TestDelivery_BadSignature(t *testing.T) {
	h := newHarness(t)
	h.connect(t, dexcom.Name, "user-1", "dex-ext", time.Hour, "r")
	body := []byte(dexcomBody)
	header := dexcomHeader(body)
	body[5] ^= 0x01

	rec := h.post(dexcom.Name, body, header)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["code"])
	assert.EqualValues(t, 0, h.count(t, &models.HealthMetric{}, "1 = 1"))
	assert.EqualValues(t, 1, h.count(t, &models.WebhookEvent{}, "processed = ? AND error <> ''", false))
}

func TestDelivery_UnknownProvider(t *testing.T) {
	h := newHarness(t)
	rec := h.post("garmin", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_provider", decode(t, rec)["code"])
}

func TestDelivery_Malformed(t *testing.T) {
	h := newHarness(t)
	body := []byte(`not json`)
	rec := h.post(dexcom.Name, body, dexcomHeader(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_payload", decode(t, rec)["code"])
}

func TestDelivery_UserNotFound(t *testing.T) {
	h := newHarness(t)
	body := []byte(dexcomBody)

	rec := h.post(dexcom.Name, body, dexcomHeader(body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user_not_found", decode(t, rec)["code"])

	var ev models.WebhookEvent
	require.NoError(t, h.db.First(&ev).Error)
	assert.False(t, ev.Processed)
	assert.Equal(t, ErrUserNotFound.Error(), ev.Error)
}

func TestFitbit_VerifyEcho(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/fitbit?verify=abc123", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhooks/fitbit", nil)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func fitbitNotification() ([]byte, http.Header) {
	body := []byte(`[{"collectionType":"body","date":"2026-01-30","ownerId":"FB1","ownerType":"user","subscriptionId":"sub-1"}]`)
	return body, signed(fitbit.SignatureHeader, signature.SHA1Base64([]byte(fitbitSecret+"&"), body))
}

func TestFitbit_NotificationPullsAndAcks204(t *testing.T) {
	h := newHarness(t)
	h.connect(t, fitbit.Name, "user-2", "FB1", time.Hour, "r")
	body, header := fitbitNotification()

	rec := h.post(fitbit.Name, body, header)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.EqualValues(t, 1, h.pulls.Load())
	assert.EqualValues(t, 1, h.count(t, &models.HealthMetric{}, "metric_type = ?", providers.MetricWeight))

	var acc models.ProviderAccount
	require.NoError(t, h.db.Where("user_id = ?", "user-2").First(&acc).Error)
	assert.NotNil(t, acc.LastSyncAt)
}

func TestFitbit_ExpiredCredentialsAskForReconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t, fitbit.Name, "user-2", "FB1", -time.Minute, "")
	body, header := fitbitNotification()

	rec := h.post(fitbit.Name, body, header)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reconnect_required", decode(t, rec)["status"])
	assert.EqualValues(t, 0, h.pulls.Load())

	var ev models.WebhookEvent
	require.NoError(t, h.db.First(&ev).Error)
	assert.False(t, ev.Processed)
	assert.Contains(t, ev.Error, "reconnect_required")
}

func TestFitbit_PullFailureIs502(t *testing.T) {
	h := newHarness(t)
	h.connect(t, fitbit.Name, "user-2", "FB1", time.Hour, "r")
	h.failPull.Store(true)
	body, header := fitbitNotification()

	rec := h.post(fitbit.Name, body, header)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.EqualValues(t, 0, h.count(t, &models.WebhookEvent{}, "processed = ?", true))

	// The provider retries; once the API recovers the same event goes through.
	h.failPull.Store(false)
	rec = h.post(fitbit.Name, body, header)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.EqualValues(t, 1, h.count(t, &models.WebhookEvent{}, "processed = ?", true))
}

func TestFitbit_RateLimitForwardsRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.connect(t, fitbit.Name, "user-2", "FB1", time.Hour, "r")
	h.limited.Store(true)
	body, header := fitbitNotification()

	rec := h.post(fitbit.Name, body, header)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func terraHeader(body []byte) http.Header {
	return signed(terra.SignatureHeader, signature.SHA256Hex([]byte(terraSecret), body))
}

func TestTerra_AuthLinksAccount(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"auth","status":"success","user":{"user_id":"terra-9","provider":"FREESTYLELIBRE","reference_id":"user-3"}}`)

	rec := h.post(terra.Name, body, terraHeader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acc, err := h.manager.FindByExternalID(context.Background(), terra.Name, "terra-9")
	require.NoError(t, err)
	assert.Equal(t, "user-3", acc.UserID)

	data := []byte(`{"type":"body","user":{"user_id":"terra-9"},"data":[{"metadata":{"start_time":"2026-01-30T00:00:00+00:00","end_time":"2026-01-31T00:00:00+00:00"},"glucose_data":{"blood_glucose_samples":[{"timestamp":"2026-01-30T08:00:00+00:00","blood_glucose_mg_per_dL":120}]}}]}`)
	rec = h.post(terra.Name, data, terraHeader(data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, h.count(t, &models.GlucoseReading{}, "user_id = ?", "user-3"))
}

func TestTerra_BadSampleKeepsRestOfDay(t *testing.T) {
	h := newHarness(t)
	h.connect(t, terra.Name, "user-4", "terra-4", time.Hour, "")
	body := []byte(`{"type":"body","user":{"user_id":"terra-4"},"data":[{
	  "metadata":{"start_time":"2026-01-30T00:00:00+00:00","end_time":"2026-01-31T00:00:00+00:00"},
	  "glucose_data":{"blood_glucose_samples":[
	    {"timestamp":"2026-01-30T08:00:00+00:00","blood_glucose_mg_per_dL":101},
	    {"timestamp":"2026-01-30T08:05:00+00:00","blood_glucose_mg_per_dL":104},
	    {"timestamp":"garbage","blood_glucose_mg_per_dL":107},
	    {"timestamp":"2026-01-30T08:15:00+00:00","blood_glucose_mg_per_dL":110}
	  ]}}]}`)

	rec := h.post(terra.Name, body, terraHeader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 3, decode(t, rec)["metrics"])
	assert.EqualValues(t, 3, h.count(t, &models.GlucoseReading{}, "user_id = ?", "user-4"))

	var ev models.WebhookEvent
	require.NoError(t, h.db.Where("provider = ? AND processed = ?", terra.Name, true).First(&ev).Error)
	assert.Contains(t, ev.Error, "glucose sample 2")
}

func TestTerra_HealthcheckIsProcessedWithoutMetrics(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"healthcheck","status":"success"}`)

	rec := h.post(terra.Name, body, terraHeader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0, decode(t, rec)["metrics"])
	assert.EqualValues(t, 1, h.count(t, &models.WebhookEvent{}, "processed = ?", true))
}
