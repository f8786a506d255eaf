package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tracedeck/config"
	"tracedeck/core/incidents"
	"tracedeck/core/logging"
	"tracedeck/core/store"
)

type testServer struct {
	handler   http.Handler
	db        *sql.DB
	incidents store.IncidentsStore
	summaries store.SummariesStore
	traces    store.TracesStore
}

func newTestServer(t *testing.T, apiToken string) *testServer {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "test.db"), APIToken: apiToken}
	db, err := store.NewDB(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logging.Nop()); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	traces := store.NewTracesStore(db)
	summaries := store.NewSummariesStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	journeys := store.NewJourneysStore(db)
	savedViews := store.NewSavedViewsStore(db)
	lifecycle := incidents.NewLifecycle(incidentsStore, incidents.NopNotifier{}, logging.Nop())
	evaluator := incidents.NewEvaluator(cfg.Incidents, db, summaries, incidentsStore, incidents.NopNotifier{}, logging.Nop())

	server := NewServer(cfg, traces, summaries, incidentsStore, journeys, savedViews, lifecycle, evaluator, logging.Nop())
	return &testServer{
		handler:   server.Router(),
		db:        db,
		incidents: incidentsStore,
		summaries: summaries,
		traces:    traces,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	ts := newTestServer(t, "secret-token")

	if rec := ts.do(t, http.MethodGet, "/api/incidents", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/incidents", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/incidents", "secret-token", nil); rec.Code != http.StatusOK {
		t.Fatalf("valid token: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthOpenWhenUnconfigured(t *testing.T) {
	ts := newTestServer(t, "")
	if rec := ts.do(t, http.MethodGet, "/api/summaries", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetTraceWithEventsAndSummary(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	trace := &store.Trace{Name: "OrdersController#show", TraceType: "request", Source: "OrdersController#show", Status: "ok"}
	if _, err := ts.traces.CreateTrace(ctx, trace); err != nil {
		t.Fatalf("create trace: %v", err)
	}
	duration := 4.2
	if _, err := ts.traces.AddEvent(ctx, &store.Event{
		TraceID: trace.ID, EventType: "sql", Name: "SELECT", DurationMS: &duration, OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if _, err := ts.summaries.UpsertSummary(ctx, &store.Summary{
		TraceID: trace.ID, Name: trace.Name, TraceType: trace.TraceType,
		Source: trace.Source, Status: "ok", Outcome: "success", StartedAt: trace.StartedAt,
	}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/traces/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Trace   store.Trace    `json:"trace"`
		Events  []store.Event  `json:"events"`
		Summary *store.Summary `json:"summary"`
	}
	decodeBody(t, rec, &body)
	if body.Trace.ID != trace.ID || len(body.Events) != 1 || body.Summary == nil {
		t.Fatalf("body=%s", rec.Body.String())
	}

	if rec := ts.do(t, http.MethodGet, "/api/traces/999", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing trace: status=%d", rec.Code)
	}
}

func TestListSummariesFilters(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	now := time.Now().UTC()

	for i, status := range []string{"ok", "error", "ok"} {
		if _, err := ts.summaries.UpsertSummary(ctx, &store.Summary{
			TraceID: int64(i + 1), Name: "A#x", TraceType: "request", Source: "A#x",
			Status: status, Outcome: "success", StartedAt: now.Add(-time.Minute),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/summaries?status=error", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Items []store.Summary `json:"items"`
	}
	decodeBody(t, rec, &body)
	if len(body.Items) != 1 || body.Items[0].Status != "error" {
		t.Fatalf("items=%+v", body.Items)
	}

	if rec := ts.do(t, http.MethodGet, "/api/summaries?since=not-a-time", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: status=%d", rec.Code)
	}
}

func TestIncidentLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	incident := &store.Incident{Kind: "error_spike", Severity: "critical", Source: "A#x", Name: "A#x"}
	if _, err := ts.incidents.CreateIncident(ctx, incident); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/incidents/1/acknowledge", "", map[string]any{"actor": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var acked store.Incident
	decodeBody(t, rec, &acked)
	if acked.Status != store.IncidentStatusAcknowledged {
		t.Fatalf("status=%q", acked.Status)
	}

	rec = ts.do(t, http.MethodPost, "/api/incidents/1/resolve", "", map[string]any{"actor": "alice", "note": "fixed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// conflicting transition surfaces as 409
	rec = ts.do(t, http.MethodPost, "/api/incidents/1/resolve", "", map[string]any{"actor": "alice"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double resolve: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/incidents/1/reopen", "", map[string]any{"actor": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reopen: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/incidents/1/mute", "", map[string]any{"actor": "bob", "duration": "30m"})
	if rec.Code != http.StatusOK {
		t.Fatalf("mute: status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/incidents/1/mute", "", map[string]any{"actor": "bob", "duration": "banana"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad duration: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/incidents/1/assign", "", map[string]any{"actor": "bob", "owner": "carol", "team": "payments"})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/incidents/1/assign", "", map[string]any{"actor": "bob"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("assign without owner: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/incidents/1/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: status=%d", rec.Code)
	}
	var eventsBody struct {
		Items []store.IncidentEvent `json:"items"`
	}
	decodeBody(t, rec, &eventsBody)
	if len(eventsBody.Items) < 5 {
		t.Fatalf("expected a full audit trail, got %d events", len(eventsBody.Items))
	}

	if rec := ts.do(t, http.MethodPost, "/api/incidents/404/acknowledge", "", map[string]any{"actor": "x"}); rec.Code != http.StatusNotFound {
		t.Fatalf("missing incident: status=%d", rec.Code)
	}
}

func TestSavedViewCRUD(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/saved_views", "", map[string]any{
		"name": "slow checkouts", "filters": map[string]any{"name": "CheckoutsController#create", "status": "ok"},
	})
	if rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/saved_views", "", map[string]any{"filters": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("nameless view: status=%d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/saved_views", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status=%d", rec.Code)
	}
	var viewsBody struct {
		Items []store.SavedView `json:"items"`
	}
	decodeBody(t, rec, &viewsBody)
	if len(viewsBody.Items) != 1 || viewsBody.Items[0].Name != "slow checkouts" {
		t.Fatalf("views=%+v", viewsBody.Items)
	}

	rec = ts.do(t, http.MethodDelete, "/api/saved_views/1", "", nil)
	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status=%d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/saved_views/1", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("double delete: status=%d", rec.Code)
	}
}
