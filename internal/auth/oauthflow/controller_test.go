package oauthflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/engramkeep/health-connector/internal/auth/token"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/terra"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type memoryStore struct {
	mu     sync.Mutex
	grants []token.Grant
}

func (s *memoryStore) StoreTokens(_ context.Context, g token.Grant) (*models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, g)
	return &models.ProviderAccount{UserID: g.UserID, Provider: g.Provider}, nil
}

type fixture struct {
	router http.Handler
	store  *memoryStore
}

func newFixture(t *testing.T, tokenStatus int) *fixture {
	t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "client" || secret != "secret" {
			t.Errorf("expected basic client auth, got %q %q %v", id, secret, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "the-code" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		if tokenStatus != http.StatusOK {
			w.WriteHeader(tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"expires_in":    28800,
			"user_id":       "FB1",
		})
	}))
	t.Cleanup(tokenSrv.Close)

	terraSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "user-9", body["reference_id"])
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "url": "https://widget.example/session/1"})
	}))
	t.Cleanup(terraSrv.Close)

	t.Setenv("FITBIT_CLIENT_ID", "client")
	t.Setenv("FITBIT_CLIENT_SECRET", "secret")
	t.Setenv("TERRA_API_KEY", "key")
	t.Setenv("TERRA_DEV_ID", "dev")
	cat, err := catalog.Parse([]byte(`providers:
  - id: fitbit
    auth_url: https://auth.example/authorize
    token_url: ` + tokenSrv.URL + `
    auth_style: header
    scopes: [heartrate, sleep]
  - id: dexcom
    auth_url: https://dex.example/login
    token_url: https://dex.example/token
  - id: terra
    auth_mode: widget
    api_base_url: ` + terraSrv.URL + `
`))
	require.NoError(t, err)
	info, _ := cat.Get(terra.Name)
	registry, err := providers.NewRegistry(terra.New(info, nil, nil))
	require.NoError(t, err)

	store := &memoryStore{}
	c := NewController(cat, registry, store, Options{
		BaseURL:    "https://connect.example",
		ReturnPath: "/settings/connections",
	}, nil)
	r := chi.NewRouter()
	r.Route("/auth", c.Routes)
	return &fixture{router: r, store: store}
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func startState(t *testing.T, f *fixture, provider string) string {
	t.Helper()
	rec := f.get("/auth/" + provider + "/start?user_id=user-1&profile_id=p-1")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("state")
}

func TestStart_RedirectsToConsent(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	rec := f.get("/auth/fitbit/start?user_id=user-1")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "auth.example", loc.Host)
	q := loc.Query()
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://connect.example/auth/fitbit/callback", q.Get("redirect_uri"))
	assert.Equal(t, "heartrate sleep", q.Get("scope"))

	st, err := NewStateCodec("").Decode(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", st.UserID)
	assert.Equal(t, "fitbit", st.Provider)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	assert.Equal(t, http.StatusBadRequest, f.get("/auth/fitbit/start").Code)
	assert.Equal(t, http.StatusNotFound, f.get("/auth/garmin/start?user_id=u").Code)
	// dexcom has no client credentials in the environment
	assert.Equal(t, http.StatusServiceUnavailable, f.get("/auth/dexcom/start?user_id=u").Code)
}

func TestStart_WidgetProvider(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	rec := f.get("/auth/terra/start?user_id=user-9")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "https://widget.example/session/1", rec.Header().Get("Location"))
}

func TestCallback_StoresTokens(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	state := startState(t, f, "fitbit")

	rec := f.get("/auth/fitbit/callback?code=the-code&state=" + url.QueryEscape(state))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Connected")
	assert.Contains(t, rec.Body.String(), "/settings/connections?connected=fitbit")

	require.Len(t, f.store.grants, 1)
	g := f.store.grants[0]
	assert.Equal(t, "user-1", g.UserID)
	assert.Equal(t, "p-1", g.ProfileID)
	assert.Equal(t, "at", g.AccessToken)
	assert.Equal(t, "rt", g.RefreshToken)
	assert.Equal(t, "FB1", g.ExternalUserID)
	assert.InDelta(t, 28800, g.ExpiresIn.Seconds(), 5)
}

func TestCallback_Failures(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	state := startState(t, f, "fitbit")

	cases := map[string]string{
		"denied":            "/auth/fitbit/callback?error=access_denied&state=" + url.QueryEscape(state),
		"bad state":         "/auth/fitbit/callback?code=the-code&state=garbage",
		"missing code":      "/auth/fitbit/callback?state=" + url.QueryEscape(state),
		"provider mismatch": "/auth/dexcom/callback?code=the-code&state=" + url.QueryEscape(state),
	}
	for name, target := range cases {
		rec := f.get(target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "Connection failed", name)
	}
	assert.Empty(t, f.store.grants)
}

func TestCallback_ExchangeRejected(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest)
	state := startState(t, f, "fitbit")

	rec := f.get("/auth/fitbit/callback?code=the-code&state=" + url.QueryEscape(state))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, f.store.grants)
}

func TestExternalUserID(t *testing.T) {
	tok := (&oauth2.Token{AccessToken: "at"}).WithExtra(map[string]interface{}{"user_id": "ABC"})
	assert.Equal(t, "ABC", externalUserID(tok, "user-1"))

	numeric := (&oauth2.Token{}).WithExtra(map[string]interface{}{"user_id": float64(4242)})
	assert.Equal(t, "4242", externalUserID(numeric, "user-1"))

	assert.Equal(t, "user-1", externalUserID(&oauth2.Token{}, "user-1"))
}
