// Package retention prunes aged observability data on a schedule:
// traces and summaries per status tier, resolved incidents, stale
// journeys and causal edges.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tracedeck/config"
	"tracedeck/core/store"
)

type Sweeper struct {
	cfg       config.RetentionConfig
	traces    store.TracesStore
	summaries store.SummariesStore
	incidents store.IncidentsStore
	journeys  store.JourneysStore
	logger    zerolog.Logger
}

func NewSweeper(cfg config.RetentionConfig, traces store.TracesStore, summaries store.SummariesStore, incidents store.IncidentsStore, journeys store.JourneysStore, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		traces:    traces,
		summaries: summaries,
		incidents: incidents,
		journeys:  journeys,
		logger:    logger,
	}
}

// RunOnce deletes everything past its retention tier. Dangling open
// traces (started, never finished) age out here like any other row.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	now = now.UTC()
	cutoff := now.Add(-s.period(s.cfg.Period, 720*time.Hour))
	errorCutoff := now.Add(-s.period(s.cfg.ErrorPeriod, 2160*time.Hour))
	incidentCutoff := now.Add(-s.period(s.cfg.IncidentPeriod, 4320*time.Hour))

	tracesDeleted, err := s.traces.DeleteTracesBefore(ctx, cutoff, errorCutoff)
	if err != nil {
		return err
	}
	summariesDeleted, err := s.summaries.DeleteSummariesBefore(ctx, cutoff, errorCutoff)
	if err != nil {
		return err
	}
	incidentsDeleted, err := s.incidents.DeleteIncidentsBefore(ctx, incidentCutoff)
	if err != nil {
		return err
	}
	journeysDeleted, err := s.journeys.DeleteJourneysBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	edgesDeleted, err := s.journeys.DeleteCausalEdgesBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	s.logger.Info().
		Int64("traces", tracesDeleted).
		Int64("summaries", summariesDeleted).
		Int64("incidents", incidentsDeleted).
		Int64("journeys", journeysDeleted).
		Int64("causal_edges", edgesDeleted).
		Msg("retention sweep complete")
	return nil
}

func (s *Sweeper) period(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}
