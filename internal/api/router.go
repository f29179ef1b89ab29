// Package api assembles the HTTP surface of the connector.
package api

import (
	"net/http"

	"github.com/engramkeep/health-connector/internal/aggregation"
	"github.com/engramkeep/health-connector/internal/api/handlers"
	"github.com/engramkeep/health-connector/internal/api/middleware"
	"github.com/engramkeep/health-connector/internal/auth/oauthflow"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/observability"
	"github.com/engramkeep/health-connector/internal/pipeline"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/webhook"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type Deps struct {
	DB       *gorm.DB
	Catalog  *catalog.Catalog
	Registry *providers.Registry
	Accounts handlers.AccountLookup
	Pipeline *pipeline.Pipeline
	Syncer   *pipeline.Syncer
	Glucose  *glucose.Store
	Gateway  *webhook.Gateway
	OAuth    *oauthflow.Controller
	Job      *aggregation.Job
	Metrics  *observability.Metrics
	Log      *logging.Logger
	APIKey   string
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logging.NewNop()
	}

	r := chi.NewRouter()
	r.Use(logging.RequestContext)
	r.Use(logging.AccessLog(log))
	r.Use(chimiddleware.Recoverer)

	// Public: provider callbacks carry their own authentication.
	r.Get("/status", handlers.StatusHandler(d.DB, d.Catalog))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	r.Route("/webhooks", d.Gateway.Routes)
	r.Route("/auth", d.OAuth.Routes)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKey, log))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser(log))
			r.Get("/accounts", handlers.AccountsHandler(d.Accounts, log))
			r.Post("/sync", handlers.SyncHandler(d.Registry, d.Accounts, d.Syncer, log))
			r.Post("/glucose/upload", handlers.UploadHandler(d.Pipeline, d.Glucose, log))
			r.Get("/glucose/daily", handlers.DailyAggregatesHandler(d.Glucose, log))
		})

		r.Post("/aggregation/run", handlers.RunAggregationHandler(d.Job, log))
		r.Get("/aggregation/runs", handlers.RunsHandler(d.Job, log))
	})
	return r
}
