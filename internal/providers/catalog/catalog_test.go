package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/oauth2"
)

func TestDefaultCatalog(t *testing.T) {
	t.Setenv("FITBIT_CLIENT_ID", "fb-id")
	t.Setenv("FITBIT_CLIENT_SECRET", "fb-secret")
	t.Setenv("DEXCOM_ENVIRONMENT", "")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	ids := []string{}
	for _, p := range c.Providers() {
		ids = append(ids, p.ID)
	}
	if len(ids) != 3 || ids[0] != "dexcom" || ids[1] != "fitbit" || ids[2] != "terra" {
		t.Fatalf("unexpected providers %v", ids)
	}

	fitbit, ok := c.Get("Fitbit")
	if !ok {
		t.Fatal("expected fitbit provider")
	}
	if !fitbit.RuntimeEnabled {
		t.Fatalf("expected fitbit runtime enabled, got %+v", fitbit)
	}
	cfg := fitbit.OAuthConfig("https://app.example.com/auth/fitbit/callback")
	if cfg.Endpoint.AuthStyle != oauth2.AuthStyleInHeader {
		t.Fatalf("expected header auth style, got %v", cfg.Endpoint.AuthStyle)
	}
	if cfg.ClientID != "fb-id" || cfg.RedirectURL == "" {
		t.Fatalf("unexpected oauth config %+v", cfg)
	}

	terra, _ := c.Get("terra")
	if terra.AuthMode != AuthModeWidget || terra.RuntimeEnabled {
		t.Fatalf("expected terra widget mode without credentials, got %+v", terra)
	}

	glucose, ok := c.MetricRanges()["glucose"]
	if !ok || glucose.Min != 40 || glucose.Max != 400 {
		t.Fatalf("unexpected glucose range %+v", glucose)
	}
}

func TestSandboxEnvironment(t *testing.T) {
	t.Setenv("DEXCOM_ENVIRONMENT", "sandbox")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	dexcom, _ := c.Get("dexcom")
	if dexcom.Environment != EnvironmentSandbox {
		t.Fatalf("expected sandbox, got %s", dexcom.Environment)
	}
	if dexcom.APIBaseURL != "https://sandbox-api.dexcom.com" {
		t.Fatalf("unexpected sandbox base url %s", dexcom.APIBaseURL)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	cfg := `providers:
  - id: fitbit
    token_url: https://api.fitbit.com/oauth2/token
    api_base_url: https://api.fitbit.com/
  - id: "bad id"
  - id: legacy
    auth_mode: basic
metric_ranges:
  Glucose: {min: 50, max: 350, unit: mg/dL}
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FITBIT_API_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("FITBIT_WEBHOOK_SECRET", "verify-code")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(c.Providers()) != 1 {
		t.Fatalf("expected invalid entries to be skipped, got %+v", c.Providers())
	}
	fitbit, _ := c.Get("fitbit")
	if fitbit.APIBaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("expected env base url override, got %s", fitbit.APIBaseURL)
	}
	if fitbit.WebhookSecret != "verify-code" {
		t.Fatalf("expected webhook secret from env")
	}
	if r := c.MetricRanges()["glucose"]; r.Min != 50 {
		t.Fatalf("expected lowercased range key, got %+v", c.MetricRanges())
	}
}

func TestParseRejectsInvertedRange(t *testing.T) {
	_, err := Parse([]byte("metric_ranges:\n  glucose: {min: 400, max: 40}\n"))
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestProviderEnvName(t *testing.T) {
	if got := providerEnvName("my-provider", "CLIENT_ID"); got != "MY_PROVIDER_CLIENT_ID" {
		t.Fatalf("unexpected env name %s", got)
	}
}
