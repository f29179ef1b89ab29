package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/api/middleware"
	"github.com/engramkeep/health-connector/internal/auth/token"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/pipeline"
	"github.com/engramkeep/health-connector/internal/providers"
)

const maxSyncDays = 30

// AccountLookup is the credential-store surface the API reads.
type AccountLookup interface {
	Account(ctx context.Context, userID, provider string) (*models.ProviderAccount, error)
	Accounts(ctx context.Context, userID string) ([]models.ProviderAccount, error)
}

type SyncRequest struct {
	Provider string `json:"provider"`
	Days     int    `json:"days"`
}

type SyncResponse struct {
	Provider        string `json:"provider"`
	Start           string `json:"start"`
	End             string `json:"end"`
	MetricsIngested int    `json:"metrics_ingested"`
	Duplicates      int    `json:"duplicates"`
	Anomalies       int    `json:"anomalies"`
}

// SyncHandler pulls the last N days from a provider for the caller.
func SyncHandler(registry *providers.Registry, accounts AccountLookup, syncer *pipeline.Syncer, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "Invalid JSON body").WithInternal(err))
			return
		}
		prov, ok := registry.Get(req.Provider)
		if !ok {
			apierr.Write(w, r, log, apierr.New(http.StatusBadRequest, apierr.CodeUnknownProvider, "Unknown provider"))
			return
		}
		if req.Days <= 0 {
			req.Days = 1
		}
		if req.Days > maxSyncDays {
			req.Days = maxSyncDays
		}

		userID := middleware.UserID(r.Context())
		account, err := accounts.Account(r.Context(), userID, prov.Name())
		if err == nil && account.Status != models.StatusActive {
			err = token.ErrNotConnected
		}
		var out pipeline.Outcome
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -req.Days)
		if err == nil {
			out, err = syncer.Sync(r.Context(), prov, account, start, end, nil)
		}
		switch {
		case err == nil:
		case token.IsCredentialError(err):
			apierr.Write(w, r, log, apierr.New(http.StatusConflict, apierr.CodeReconnectRequired, "Reconnect "+prov.Name()+" to continue syncing").WithInternal(err))
			return
		case errors.Is(err, pipeline.ErrPullFailed):
			var rl *providers.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
			}
			apierr.Write(w, r, log, apierr.New(http.StatusBadGateway, apierr.CodePullFailed, "Provider API unavailable").WithInternal(err))
			return
		default:
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Sync failed").WithInternal(err))
			return
		}

		apierr.WriteJSON(w, http.StatusOK, SyncResponse{
			Provider:        prov.Name(),
			Start:           start.Format(time.DateOnly),
			End:             end.Format(time.DateOnly),
			MetricsIngested: out.Stored,
			Duplicates:      out.Duplicates,
			Anomalies:       out.Anomalies,
		})
	}
}

// AccountsHandler lists the caller's provider links.
func AccountsHandler(accounts AccountLookup, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := accounts.Accounts(r.Context(), middleware.UserID(r.Context()))
		if err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Could not list accounts").WithInternal(err))
			return
		}
		if list == nil {
			list = []models.ProviderAccount{}
		}
		apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{"accounts": list})
	}
}
