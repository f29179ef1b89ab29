package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/engramkeep/health-connector/internal/aggregation"
	"github.com/engramkeep/health-connector/internal/api"
	"github.com/engramkeep/health-connector/internal/auth/oauthflow"
	"github.com/engramkeep/health-connector/internal/auth/token"
	"github.com/engramkeep/health-connector/internal/config"
	"github.com/engramkeep/health-connector/internal/db"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/ingest"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/observability"
	"github.com/engramkeep/health-connector/internal/pipeline"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/engramkeep/health-connector/internal/providers/dexcom"
	"github.com/engramkeep/health-connector/internal/providers/fitbit"
	"github.com/engramkeep/health-connector/internal/providers/terra"
	"github.com/engramkeep/health-connector/internal/version"
	"github.com/engramkeep/health-connector/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	database, err := db.InitDB(cfg.DatabaseURL, cfg.LogMode == "debug")
	if err != nil {
		log.Fatal("failed to initialize database", "error", err)
	}

	cat, err := catalog.Load(cfg.ProvidersFile)
	if err != nil {
		log.Fatal("failed to load provider catalog", "error", err)
	}
	registry, err := buildRegistry(cat, log)
	if err != nil {
		log.Fatal("failed to build provider registry", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	metrics := observability.NewMetrics()

	tokens := token.NewManager(database, cat, client, log, metrics)
	tokens.StartRefreshLoop(ctx, cfg.RefreshInterval)

	store := glucose.NewStore(database)
	ranges := make(map[string]ingest.Range)
	for k, r := range cat.MetricRanges() {
		ranges[k] = ingest.Range{Min: r.Min, Max: r.Max, Unit: r.Unit}
	}
	p := pipeline.New(ingest.NewNormalizer(database, ingest.RangesFrom(ranges), log, metrics), store, log)
	syncer := pipeline.NewSyncer(p, tokens, log)

	job := aggregation.NewJob(database, store, cfg.AggregationLimit, log, metrics)
	scheduler, err := aggregation.NewScheduler(ctx, job, cfg.AggregationCron, log)
	if err != nil {
		log.Fatal("failed to schedule aggregation", "error", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(api.Deps{
		DB:       database,
		Catalog:  cat,
		Registry: registry,
		Accounts: tokens,
		Pipeline: p,
		Syncer:   syncer,
		Glucose:  store,
		Gateway:  webhook.NewGateway(database, registry, tokens, p, syncer, log, metrics),
		OAuth: oauthflow.NewController(cat, registry, tokens, oauthflow.Options{
			BaseURL:     cfg.BaseURL,
			ReturnPath:  cfg.ProductReturnPath,
			StateSecret: cfg.OAuthStateSecret,
			Client:      client,
		}, log),
		Job:     job,
		Metrics: metrics,
		Log:     log,
		APIKey:  cfg.APIKey,
	})

	for _, info := range cat.Providers() {
		if !info.Enabled {
			continue
		}
		kv := []interface{}{"provider", info.ID, "mode", info.AuthMode, "environment", info.Environment, "ready", info.RuntimeEnabled}
		if info.AuthMode == catalog.AuthModeOAuth2 {
			kv = append(kv, "callback", cfg.RedirectURL(info.ID))
		}
		log.Info("provider configured", kv...)
	}
	if cfg.APIKey == "" {
		log.Warn("CONNECTOR_API_KEY is not set; /api routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("health connector starting", "addr", cfg.Addr(), "version", version.Version, "commit", version.Commit)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", "error", err)
	}
	log.Info("health connector stopped")
}

// buildRegistry instantiates every enabled provider the binary knows.
func buildRegistry(cat *catalog.Catalog, log *logging.Logger) (*providers.Registry, error) {
	var ps []providers.Provider
	for _, info := range cat.Providers() {
		if !info.Enabled {
			continue
		}
		client := &http.Client{Timeout: info.Timeout}
		switch info.ID {
		case fitbit.Name:
			ps = append(ps, fitbit.New(info, client))
		case dexcom.Name:
			ps = append(ps, dexcom.New(info, client, log.With("provider", dexcom.Name)))
		case terra.Name:
			ps = append(ps, terra.New(info, client, log.With("provider", terra.Name)))
		}
	}
	return providers.NewRegistry(ps...)
}
