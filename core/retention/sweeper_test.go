package retention

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tracedeck/config"
	"tracedeck/core/logging"
	"tracedeck/core/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "test.db")}
	db, err := store.NewDB(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logging.Nop()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return db
}

func seedTrace(t *testing.T, traces store.TracesStore, status string, startedAt time.Time) *store.Trace {
	t.Helper()
	trace := &store.Trace{
		Name: "OrdersController#index", TraceType: "request", Source: "OrdersController#index",
		Status: status, StartedAt: startedAt,
	}
	if _, err := traces.CreateTrace(context.Background(), trace); err != nil {
		t.Fatalf("seed trace: %v", err)
	}
	return trace
}

func TestSweepAppliesStatusTiers(t *testing.T) {
	db := newTestDB(t)
	traces := store.NewTracesStore(db)
	summaries := store.NewSummariesStore(db)
	incidents := store.NewIncidentsStore(db)
	journeys := store.NewJourneysStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// ok traces age out at 30 days, errored ones at 90
	oldOk := seedTrace(t, traces, "ok", now.Add(-40*24*time.Hour))
	oldError := seedTrace(t, traces, "error", now.Add(-40*24*time.Hour))
	ancientError := seedTrace(t, traces, "error", now.Add(-100*24*time.Hour))
	freshOk := seedTrace(t, traces, "ok", now.Add(-24*time.Hour))

	for _, trace := range []*store.Trace{oldOk, oldError, ancientError, freshOk} {
		if _, err := summaries.UpsertSummary(ctx, &store.Summary{
			TraceID: trace.ID, Name: trace.Name, TraceType: trace.TraceType,
			Source: trace.Source, Status: trace.Status, Outcome: "success",
			StartedAt: trace.StartedAt,
		}); err != nil {
			t.Fatalf("seed summary: %v", err)
		}
	}

	sweeper := NewSweeper(config.RetentionConfig{
		Period:         30 * 24 * time.Hour,
		ErrorPeriod:    90 * 24 * time.Hour,
		IncidentPeriod: 180 * 24 * time.Hour,
	}, traces, summaries, incidents, journeys, logging.Nop())

	if err := sweeper.RunOnce(ctx, now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := traces.GetTrace(ctx, oldOk.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old ok trace should be gone, err=%v", err)
	}
	if _, err := traces.GetTrace(ctx, oldError.ID); err != nil {
		t.Fatalf("errored trace inside its tier must survive: %v", err)
	}
	if _, err := traces.GetTrace(ctx, ancientError.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ancient errored trace should be gone, err=%v", err)
	}
	if _, err := traces.GetTrace(ctx, freshOk.ID); err != nil {
		t.Fatalf("fresh trace must survive: %v", err)
	}

	if _, err := summaries.GetSummaryByTrace(ctx, oldOk.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old ok summary should be gone, err=%v", err)
	}
	if _, err := summaries.GetSummaryByTrace(ctx, oldError.ID); err != nil {
		t.Fatalf("errored summary inside its tier must survive: %v", err)
	}
}

func TestSweepPrunesJourneysAndEdges(t *testing.T) {
	db := newTestDB(t)
	traces := store.NewTracesStore(db)
	summaries := store.NewSummariesStore(db)
	incidents := store.NewIncidentsStore(db)
	journeys := store.NewJourneysStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	oldJourney := &store.Journey{
		JourneyKey: "request:old", RequestID: "old", LastTraceID: 1,
		TraceCount: 2, StartedAt: now.Add(-60 * 24 * time.Hour), FinishedAt: now.Add(-60 * 24 * time.Hour),
	}
	if _, err := journeys.UpsertJourney(ctx, oldJourney); err != nil {
		t.Fatalf("seed journey: %v", err)
	}
	freshJourney := &store.Journey{
		JourneyKey: "request:fresh", RequestID: "fresh", LastTraceID: 2,
		TraceCount: 1, StartedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Hour),
	}
	if _, err := journeys.UpsertJourney(ctx, freshJourney); err != nil {
		t.Fatalf("seed journey: %v", err)
	}
	fromTrace := int64(1)
	if _, _, err := journeys.CreateCausalEdge(ctx, &store.CausalEdge{
		FromTraceID: &fromTrace, ToTraceID: 2, OccurredAt: now.Add(-60 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	sweeper := NewSweeper(config.RetentionConfig{Period: 30 * 24 * time.Hour}, traces, summaries, incidents, journeys, logging.Nop())
	if err := sweeper.RunOnce(ctx, now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := journeys.GetJourneyByKey(ctx, "request:old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old journey should be gone, err=%v", err)
	}
	if _, err := journeys.GetJourneyByKey(ctx, "request:fresh"); err != nil {
		t.Fatalf("fresh journey must survive: %v", err)
	}
	edges, err := journeys.ListCausalEdgesTo(ctx, 2)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("old edge should be gone, got %d", len(edges))
	}
}
