// Package appbootstrap wires configuration, storage, tracing and
// incident detection into one application object for the daemon.
package appbootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"tracedeck/api"
	"tracedeck/config"
	"tracedeck/core/cache"
	"tracedeck/core/incidents"
	"tracedeck/core/logging"
	"tracedeck/core/retention"
	"tracedeck/core/store"
	"tracedeck/core/tracing"
)

type App struct {
	Cfg    *config.AppConfig
	Logger zerolog.Logger
	DB     *sql.DB

	Traces     store.TracesStore
	Summaries  store.SummariesStore
	Incidents  store.IncidentsStore
	Journeys   store.JourneysStore
	SavedViews store.SavedViewsStore

	Cache     cache.Channel
	Tracer    *tracing.Tracer
	Evaluator *incidents.Evaluator
	Lifecycle *incidents.Lifecycle
	Sweeper   *retention.Sweeper
	Handler   http.Handler
}

func Compose(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	logger := logging.New(cfg.Logging)

	db, err := store.NewDB(cfg, logging.WithComponent(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, logging.WithComponent(logger, "store")); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	traces := store.NewTracesStore(db)
	summaries := store.NewSummariesStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	journeys := store.NewJourneysStore(db)
	savedViews := store.NewSavedViewsStore(db)

	causalCache, err := newCache(ctx, cfg.Cache, logging.WithComponent(logger, "cache"))
	if err != nil {
		db.Close()
		return nil, err
	}

	tracer := tracing.NewTracer(cfg.Tracing, db, traces, summaries, journeys,
		logging.WithComponent(logger, "tracing"),
		tracing.WithCache(causalCache))

	var notifier incidents.Notifier = incidents.NopNotifier{}
	if cfg.Notifier.SlackWebhookURL != "" {
		notifier = incidents.NewSlackWebhookNotifier(cfg.Notifier.SlackWebhookURL, cfg.Notifier.Channel, cfg.Notifier.Username,
			logging.WithComponent(logger, "notifier"))
	}
	evaluator := incidents.NewEvaluator(cfg.Incidents, db, summaries, incidentsStore, notifier,
		logging.WithComponent(logger, "incidents"))
	lifecycle := incidents.NewLifecycle(incidentsStore, notifier, logging.WithComponent(logger, "incidents"))

	sweeper := retention.NewSweeper(cfg.Retention, traces, summaries, incidentsStore, journeys,
		logging.WithComponent(logger, "retention"))

	server := api.NewServer(cfg, traces, summaries, incidentsStore, journeys, savedViews, lifecycle, evaluator,
		logging.WithComponent(logger, "api"))
	handler := tracer.Middleware(server.Router())

	return &App{
		Cfg:        cfg,
		Logger:     logger,
		DB:         db,
		Traces:     traces,
		Summaries:  summaries,
		Incidents:  incidentsStore,
		Journeys:   journeys,
		SavedViews: savedViews,
		Cache:      causalCache,
		Tracer:     tracer,
		Evaluator:  evaluator,
		Lifecycle:  lifecycle,
		Sweeper:    sweeper,
		Handler:    handler,
	}, nil
}

func newCache(ctx context.Context, cfg config.CacheConfig, logger zerolog.Logger) (cache.Channel, error) {
	switch cfg.Kind {
	case "", "memory":
		return cache.NewMemoryChannel(cfg.TTL), nil
	case "nats":
		channel, err := cache.NewNatsChannel(ctx, cfg.NATSURL, cfg.Bucket, cfg.TTL)
		if err != nil {
			// Causal handoff is best effort; fall back rather than fail
			// the whole daemon over an unreachable broker.
			logger.Warn().Err(err).Msg("nats cache unavailable, using in-memory channel")
			return cache.NewMemoryChannel(cfg.TTL), nil
		}
		return channel, nil
	default:
		return nil, fmt.Errorf("unsupported cache kind %q", cfg.Kind)
	}
}

func (a *App) Close() {
	if a.Cache != nil {
		_ = a.Cache.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
