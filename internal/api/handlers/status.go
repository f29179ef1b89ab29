package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/version"
	"gorm.io/gorm"
)

type providerStatus struct {
	ID          string `json:"id"`
	AuthMode    string `json:"auth_mode"`
	Environment string `json:"environment"`
	Ready       bool   `json:"ready"`
}

// StatusHandler reports database reachability, build info and which
// providers have credentials configured.
func StatusHandler(db *gorm.DB, cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, dbState := http.StatusOK, "ok"
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status, dbState = http.StatusServiceUnavailable, "unreachable"
		}

		var ps []providerStatus
		for _, p := range cat.Providers() {
			if !p.Enabled {
				continue
			}
			ps = append(ps, providerStatus{ID: p.ID, AuthMode: p.AuthMode, Environment: p.Environment, Ready: p.RuntimeEnabled})
		}
		apierr.WriteJSON(w, status, map[string]interface{}{
			"database":   dbState,
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
			"providers":  ps,
		})
	}
}
