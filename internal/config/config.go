// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings shared by the connector binaries.
type Config struct {
	Host    string
	Port    string
	BaseURL string

	DatabaseURL string
	LogMode     string

	// APIKey guards /api routes when non-empty.
	APIKey            string
	OAuthStateSecret  string
	ProvidersFile     string
	HTTPTimeout       time.Duration
	RefreshInterval   time.Duration
	AggregationCron   string
	AggregationLimit  int
	ProductReturnPath string
}

// Load reads the environment, applying defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              getenv("HOST", "127.0.0.1"),
		Port:              getenv("PORT", "8080"),
		DatabaseURL:       getenv("DATABASE_URL", "connector.db"),
		LogMode:           getenv("LOG_MODE", "dev"),
		APIKey:            os.Getenv("CONNECTOR_API_KEY"),
		OAuthStateSecret:  os.Getenv("OAUTH_STATE_SECRET"),
		ProvidersFile:     os.Getenv("PROVIDERS_FILE"),
		AggregationCron:   getenv("AGGREGATION_SCHEDULE", "0 10 0 * * *"),
		ProductReturnPath: getenv("PRODUCT_RETURN_PATH", "/settings/connections"),
	}
	cfg.BaseURL = strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:"+cfg.Port), "/")

	var err error
	if cfg.HTTPTimeout, err = durationEnv("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = durationEnv("TOKEN_REFRESH_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AggregationLimit, err = intEnv("AGGREGATION_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.AggregationLimit < 1 {
		return nil, fmt.Errorf("AGGREGATION_CONCURRENCY must be positive, got %d", cfg.AggregationLimit)
	}
	return cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// RedirectURL builds the OAuth callback URL registered with a provider.
func (c *Config) RedirectURL(provider string) string {
	return c.BaseURL + "/auth/" + provider + "/callback"
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
