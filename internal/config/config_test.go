package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HOST", "PORT", "APP_BASE_URL", "HTTP_TIMEOUT", "AGGREGATION_CONCURRENCY", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 4, cfg.AggregationLimit)
	assert.Equal(t, "connector.db", cfg.DatabaseURL)
	assert.Equal(t, "http://localhost:8080/auth/fitbit/callback", cfg.RedirectURL("fitbit"))
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_BASE_URL", "https://app.example.com/")
	t.Setenv("HTTP_TIMEOUT", "5s")
	t.Setenv("AGGREGATION_CONCURRENCY", "8")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 8, cfg.AggregationLimit)
	assert.Equal(t, "https://app.example.com/auth/dexcom/callback", cfg.RedirectURL("dexcom"))
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("HTTP_TIMEOUT", "")
	t.Setenv("AGGREGATION_CONCURRENCY", "0")
	_, err = Load()
	assert.Error(t, err)
}
