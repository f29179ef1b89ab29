// Package catalog loads the static provider catalog: endpoints, OAuth
// settings and per-provider credentials sourced from the environment.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

const (
	AuthModeOAuth2 = "oauth2"
	AuthModeWidget = "widget"

	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"

	defaultTimeout = 30 * time.Second
)

//go:embed providers.yaml
var defaultCatalog []byte

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileConfig struct {
	Providers    []ProviderConfig       `yaml:"providers"`
	MetricRanges map[string]MetricRange `yaml:"metric_ranges"`
}

type endpointConfig struct {
	AuthURL    string `yaml:"auth_url"`
	TokenURL   string `yaml:"token_url"`
	APIBaseURL string `yaml:"api_base_url"`
}

type ProviderConfig struct {
	ID             string `yaml:"id"`
	Enabled        *bool  `yaml:"enabled"`
	AuthMode       string `yaml:"auth_mode"`
	endpointConfig `yaml:",inline"`
	Sandbox        *endpointConfig `yaml:"sandbox"`
	AuthStyle      string          `yaml:"auth_style"`
	Scopes         []string        `yaml:"scopes"`
	Timeout        string          `yaml:"timeout"`
}

// MetricRange is the plausible interval for one metric type.
type MetricRange struct {
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
	Unit string  `yaml:"unit" json:"unit"`
}

// ProviderInfo is the resolved runtime view of one provider. Secrets are
// never serialised.
type ProviderInfo struct {
	ID             string        `json:"id"`
	Enabled        bool          `json:"enabled"`
	RuntimeEnabled bool          `json:"runtime_enabled"`
	AuthMode       string        `json:"auth_mode"`
	Environment    string        `json:"environment"`
	AuthURL        string        `json:"auth_url,omitempty"`
	TokenURL       string        `json:"token_url,omitempty"`
	APIBaseURL     string        `json:"api_base_url"`
	AuthStyle      string        `json:"auth_style,omitempty"`
	Scopes         []string      `json:"scopes,omitempty"`
	Timeout        time.Duration `json:"-"`

	ClientID      string `json:"-"`
	ClientSecret  string `json:"-"`
	WebhookSecret string `json:"-"`
	APIKey        string `json:"-"`
	DevID         string `json:"-"`
}

// OAuthConfig builds the oauth2 client configuration for the provider.
func (p ProviderInfo) OAuthConfig(redirectURL string) *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	switch p.AuthStyle {
	case "header":
		style = oauth2.AuthStyleInHeader
	case "params":
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), p.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: style,
		},
	}
}

// Catalog is an immutable set of providers plus the metric range table.
type Catalog struct {
	byID   map[string]ProviderInfo
	ids    []string
	ranges map[string]MetricRange
}

// Load reads the embedded catalog, or the file at path when non-empty, and
// applies environment overrides.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if p := strings.TrimSpace(path); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read providers file %q: %w", p, err)
		}
		data = raw
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers catalog: %w", err)
	}

	c := &Catalog{
		byID:   make(map[string]ProviderInfo, len(cfg.Providers)),
		ranges: make(map[string]MetricRange, len(cfg.MetricRanges)),
	}
	for _, pc := range cfg.Providers {
		info, ok := normalizeConfig(pc)
		if !ok {
			continue
		}
		if _, dup := c.byID[info.ID]; dup {
			return nil, fmt.Errorf("duplicate provider %q in catalog", info.ID)
		}
		c.byID[info.ID] = info
		c.ids = append(c.ids, info.ID)
	}
	sort.Strings(c.ids)

	for metricType, r := range cfg.MetricRanges {
		if r.Min > r.Max {
			return nil, fmt.Errorf("metric range %q: min %v above max %v", metricType, r.Min, r.Max)
		}
		c.ranges[strings.ToLower(strings.TrimSpace(metricType))] = r
	}
	return c, nil
}

// Get returns provider metadata by ID.
func (c *Catalog) Get(id string) (ProviderInfo, bool) {
	info, ok := c.byID[normalizeProviderID(id)]
	if !ok {
		return ProviderInfo{}, false
	}
	info.Scopes = append([]string(nil), info.Scopes...)
	return info, true
}

// Providers lists every catalog entry sorted by ID.
func (c *Catalog) Providers() []ProviderInfo {
	result := make([]ProviderInfo, 0, len(c.ids))
	for _, id := range c.ids {
		info, _ := c.Get(id)
		result = append(result, info)
	}
	return result
}

// MetricRanges returns a copy of the configured range table.
func (c *Catalog) MetricRanges() map[string]MetricRange {
	cp := make(map[string]MetricRange, len(c.ranges))
	for k, v := range c.ranges {
		cp[k] = v
	}
	return cp
}

func normalizeConfig(cfg ProviderConfig) (ProviderInfo, bool) {
	id := normalizeProviderID(cfg.ID)
	if !providerIDRegexp.MatchString(id) {
		return ProviderInfo{}, false
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	authMode := strings.TrimSpace(strings.ToLower(cfg.AuthMode))
	if authMode == "" {
		authMode = AuthModeOAuth2
	}
	if authMode != AuthModeOAuth2 && authMode != AuthModeWidget {
		return ProviderInfo{}, false
	}

	environment := EnvironmentProduction
	if strings.EqualFold(strings.TrimSpace(os.Getenv(providerEnvName(id, "ENVIRONMENT"))), EnvironmentSandbox) {
		environment = EnvironmentSandbox
	}
	endpoints := cfg.endpointConfig
	if environment == EnvironmentSandbox && cfg.Sandbox != nil {
		endpoints = *cfg.Sandbox
	}
	if v := strings.TrimSpace(os.Getenv(providerEnvName(id, "API_BASE_URL"))); v != "" {
		endpoints.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(providerEnvName(id, "TOKEN_URL"))); v != "" {
		endpoints.TokenURL = v
	}

	timeout := defaultTimeout
	if raw := strings.TrimSpace(cfg.Timeout); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	info := ProviderInfo{
		ID:            id,
		Enabled:       enabled,
		AuthMode:      authMode,
		Environment:   environment,
		AuthURL:       strings.TrimSpace(endpoints.AuthURL),
		TokenURL:      strings.TrimSpace(endpoints.TokenURL),
		APIBaseURL:    strings.TrimRight(strings.TrimSpace(endpoints.APIBaseURL), "/"),
		AuthStyle:     strings.TrimSpace(strings.ToLower(cfg.AuthStyle)),
		Scopes:        cfg.Scopes,
		Timeout:       timeout,
		ClientID:      strings.TrimSpace(os.Getenv(providerEnvName(id, "CLIENT_ID"))),
		ClientSecret:  strings.TrimSpace(os.Getenv(providerEnvName(id, "CLIENT_SECRET"))),
		WebhookSecret: strings.TrimSpace(os.Getenv(providerEnvName(id, "WEBHOOK_SECRET"))),
		APIKey:        strings.TrimSpace(os.Getenv(providerEnvName(id, "API_KEY"))),
		DevID:         strings.TrimSpace(os.Getenv(providerEnvName(id, "DEV_ID"))),
	}
	switch authMode {
	case AuthModeOAuth2:
		info.RuntimeEnabled = enabled && info.ClientID != "" && info.ClientSecret != "" && info.TokenURL != ""
	case AuthModeWidget:
		info.RuntimeEnabled = enabled && info.APIKey != "" && info.DevID != ""
	}
	return info, true
}

func normalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("%s_%s", upper, suffix)
}
