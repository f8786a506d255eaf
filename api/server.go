// Package api is the thin query and lifecycle surface over the
// observability stores. All instrumentation happens in-process via
// core/tracing; this layer only reads data and drives incident
// lifecycle actions.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tracedeck/config"
	"tracedeck/core/incidents"
	"tracedeck/core/store"
)

type Server struct {
	cfg        *config.AppConfig
	traces     store.TracesStore
	summaries  store.SummariesStore
	incidents  store.IncidentsStore
	journeys   store.JourneysStore
	savedViews store.SavedViewsStore
	lifecycle  *incidents.Lifecycle
	evaluator  *incidents.Evaluator
	logger     zerolog.Logger
}

func NewServer(cfg *config.AppConfig, traces store.TracesStore, summaries store.SummariesStore, incidentsStore store.IncidentsStore, journeys store.JourneysStore, savedViews store.SavedViewsStore, lifecycle *incidents.Lifecycle, evaluator *incidents.Evaluator, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		traces:     traces,
		summaries:  summaries,
		incidents:  incidentsStore,
		journeys:   journeys,
		savedViews: savedViews,
		lifecycle:  lifecycle,
		evaluator:  evaluator,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)
	r.Use(s.evaluateMiddleware)

	r.MethodFunc(http.MethodGet, "/api/summaries", s.ListSummaries)
	r.MethodFunc(http.MethodGet, "/api/traces", s.ListTraces)
	r.MethodFunc(http.MethodGet, "/api/traces/{id:[0-9]+}", s.GetTrace)

	r.MethodFunc(http.MethodGet, "/api/incidents", s.ListIncidents)
	r.MethodFunc(http.MethodGet, "/api/incidents/{id:[0-9]+}", s.GetIncident)
	r.MethodFunc(http.MethodGet, "/api/incidents/{id:[0-9]+}/events", s.ListIncidentEvents)
	r.MethodFunc(http.MethodPost, "/api/incidents/{id:[0-9]+}/acknowledge", s.AcknowledgeIncident)
	r.MethodFunc(http.MethodPost, "/api/incidents/{id:[0-9]+}/resolve", s.ResolveIncident)
	r.MethodFunc(http.MethodPost, "/api/incidents/{id:[0-9]+}/reopen", s.ReopenIncident)
	r.MethodFunc(http.MethodPost, "/api/incidents/{id:[0-9]+}/mute", s.MuteIncident)
	r.MethodFunc(http.MethodPost, "/api/incidents/{id:[0-9]+}/assign", s.AssignIncident)

	r.MethodFunc(http.MethodGet, "/api/journeys", s.ListJourneys)

	r.MethodFunc(http.MethodGet, "/api/saved_views", s.ListSavedViews)
	r.MethodFunc(http.MethodPost, "/api/saved_views", s.CreateSavedView)
	r.MethodFunc(http.MethodDelete, "/api/saved_views/{id:[0-9]+}", s.DeleteSavedView)

	return r
}
