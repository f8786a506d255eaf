package incidents

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
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

type recordingNotifier struct {
	mu      sync.Mutex
	actions []string
}

func (n *recordingNotifier) Notify(_ context.Context, incident *store.Incident, action string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, action+":"+incident.Kind)
}

type seed struct {
	name, source, status string
	durationMS           float64
	startedAt            time.Time
	fingerprint          string
}

func seedSummaries(t *testing.T, summaries store.SummariesStore, rows []seed) {
	t.Helper()
	for i, row := range rows {
		duration := row.durationMS
		summary := &store.Summary{
			TraceID:          int64(1000 + i),
			Name:             row.name,
			TraceType:        "request",
			Source:           row.source,
			Status:           row.status,
			Outcome:          "success",
			StartedAt:        row.startedAt,
			DurationMS:       &duration,
			ErrorFingerprint: row.fingerprint,
		}
		if row.status == "error" {
			summary.Outcome = "failure"
		}
		if _, err := summaries.UpsertSummary(context.Background(), summary); err != nil {
			t.Fatalf("seed summary %d: %v", i, err)
		}
	}
}

func testConfig() config.IncidentsConfig {
	return config.IncidentsConfig{
		ErrorSpikeThresholdPct: 20,
		P95RegressionFactor:    1.5,
		MinSamples:             3,
		DedupeWindow:           time.Hour,
		SLOBurnRateThreshold:   2.0,
		QuietWindow:            2 * time.Hour,
	}
}

func newTestEvaluator(t *testing.T, cfg config.IncidentsConfig) (*Evaluator, store.SummariesStore, store.IncidentsStore, *recordingNotifier) {
	t.Helper()
	db := newTestDB(t)
	summaries := store.NewSummariesStore(db)
	incidents := store.NewIncidentsStore(db)
	notifier := &recordingNotifier{}
	evaluator := NewEvaluator(cfg, db, summaries, incidents, notifier, logging.Nop())
	if !evaluator.ready.Load() {
		t.Fatal("evaluator not ready after migrations")
	}
	return evaluator, summaries, incidents, notifier
}

func listAll(t *testing.T, incidents store.IncidentsStore, kind string) []store.Incident {
	t.Helper()
	out, err := incidents.ListIncidents(context.Background(), store.IncidentFilter{Kind: kind})
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	return out
}

func TestP95RegressionFiresAboveFactor(t *testing.T) {
	evaluator, summaries, incidents, _ := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 10; i++ {
		rows = append(rows, seed{name: "OrdersController#index", source: "OrdersController#index",
			status: "ok", durationMS: 100, startedAt: now.Add(-3 * time.Hour)})
	}
	for i := 0; i < 5; i++ {
		rows = append(rows, seed{name: "OrdersController#index", source: "OrdersController#index",
			status: "ok", durationMS: 300, startedAt: now.Add(-10 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)

	found := listAll(t, incidents, "p95_regression")
	if len(found) != 1 {
		t.Fatalf("expected one regression incident, got %d", len(found))
	}
	if found[0].Severity != "warning" {
		t.Fatalf("severity=%q", found[0].Severity)
	}
	if factor := found[0].Payload["factor"]; factor != 3.0 {
		t.Fatalf("factor=%v", factor)
	}
}

func TestP95RegressionQuietBelowFactor(t *testing.T) {
	evaluator, summaries, incidents, _ := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 10; i++ {
		rows = append(rows, seed{name: "OrdersController#index", source: "OrdersController#index",
			status: "ok", durationMS: 100, startedAt: now.Add(-3 * time.Hour)})
	}
	for i := 0; i < 5; i++ {
		rows = append(rows, seed{name: "OrdersController#index", source: "OrdersController#index",
			status: "ok", durationMS: 140, startedAt: now.Add(-10 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)

	if found := listAll(t, incidents, "p95_regression"); len(found) != 0 {
		t.Fatalf("1.4x must stay below the 1.5 factor, got %d incidents", len(found))
	}
}

func TestErrorSpikeDetection(t *testing.T) {
	evaluator, summaries, incidents, notifier := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 6; i++ {
		status := "ok"
		if i < 3 {
			status = "error"
		}
		rows = append(rows, seed{name: "CheckoutsController#create", source: "CheckoutsController#create",
			status: status, durationMS: 50, startedAt: now.Add(-30 * time.Minute)})
	}
	// healthy group stays quiet
	for i := 0; i < 6; i++ {
		rows = append(rows, seed{name: "HomeController#index", source: "HomeController#index",
			status: "ok", durationMS: 10, startedAt: now.Add(-30 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)

	found := listAll(t, incidents, "error_spike")
	if len(found) != 1 {
		t.Fatalf("expected one spike incident, got %d", len(found))
	}
	if found[0].Severity != "critical" || found[0].Name != "CheckoutsController#create" {
		t.Fatalf("incident=%+v", found[0])
	}
	if rate := found[0].Payload["error_rate_pct"]; rate != 50.0 {
		t.Fatalf("error_rate_pct=%v", rate)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.actions) != 1 || notifier.actions[0] != "created:error_spike" {
		t.Fatalf("notifications=%v", notifier.actions)
	}
}

func TestErrorSpikeBelowMinSamplesIgnored(t *testing.T) {
	evaluator, summaries, incidents, _ := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	seedSummaries(t, summaries, []seed{
		{name: "RareController#act", source: "RareController#act", status: "error", durationMS: 5, startedAt: now.Add(-5 * time.Minute)},
		{name: "RareController#act", source: "RareController#act", status: "error", durationMS: 5, startedAt: now.Add(-5 * time.Minute)},
	})

	evaluator.RunOnce(context.Background(), now)

	if found := listAll(t, incidents, "error_spike"); len(found) != 0 {
		t.Fatalf("two samples must not trip a spike, got %d", len(found))
	}
}

func TestNewFingerprintDetection(t *testing.T) {
	evaluator, summaries, incidents, _ := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	seedSummaries(t, summaries, []seed{
		// seen two days ago, not new
		{name: "A#x", source: "A#x", status: "error", durationMS: 5, startedAt: now.Add(-48 * time.Hour), fingerprint: "fp-old"},
		{name: "A#x", source: "A#x", status: "error", durationMS: 5, startedAt: now.Add(-10 * time.Minute), fingerprint: "fp-old"},
		// genuinely new
		{name: "B#y", source: "B#y", status: "error", durationMS: 5, startedAt: now.Add(-10 * time.Minute), fingerprint: "fp-new"},
	})

	evaluator.RunOnce(context.Background(), now)

	found := listAll(t, incidents, "new_fingerprint")
	if len(found) != 1 {
		t.Fatalf("expected one new-fingerprint incident, got %d", len(found))
	}
	if found[0].Fingerprint != "fp-new" || found[0].Name != "B#y" {
		t.Fatalf("incident=%+v", found[0])
	}
}

func TestSLOBurnRateDetection(t *testing.T) {
	cfg := testConfig()
	cfg.SLOTargetErrorRatePct = 1.0
	evaluator, summaries, incidents, _ := newTestEvaluator(t, cfg)
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 20; i++ {
		status := "ok"
		if i < 2 {
			status = "error"
		}
		rows = append(rows, seed{name: "Api#call", source: "Api#call", status: status,
			durationMS: 20, startedAt: now.Add(-15 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)

	found := listAll(t, incidents, "slo_burn_rate")
	if len(found) != 1 {
		t.Fatalf("expected one burn-rate incident, got %d", len(found))
	}
	if found[0].Source != "slo" || found[0].Name != "error_rate" {
		t.Fatalf("incident=%+v", found[0])
	}
	if burn := found[0].Payload["burn_rate"]; burn != 10.0 {
		t.Fatalf("burn_rate=%v", burn)
	}
}

func TestDedupeTouchesWithinWindow(t *testing.T) {
	evaluator, summaries, incidents, notifier := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 6; i++ {
		rows = append(rows, seed{name: "Checkouts#create", source: "Checkouts#create",
			status: "error", durationMS: 50, startedAt: now.Add(-30 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)
	later := now.Add(10 * time.Minute)
	evaluator.RunOnce(context.Background(), later)

	found := listAll(t, incidents, "error_spike")
	if len(found) != 1 {
		t.Fatalf("repeat detection must dedupe, got %d incidents", len(found))
	}
	if !found[0].LastSeenAt.After(now) {
		t.Fatalf("touch must advance last_seen_at: %v", found[0].LastSeenAt)
	}
	if !found[0].DetectedAt.After(now) {
		t.Fatalf("touch must slide the dedupe anchor forward: %v", found[0].DetectedAt)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.actions) != 1 {
		t.Fatalf("touch must not re-notify, got %v", notifier.actions)
	}
}

func TestConditionOutlivingDedupeWindowStaysSingle(t *testing.T) {
	evaluator, summaries, incidents, notifier := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 6; i++ {
		rows = append(rows, seed{name: "Checkouts#create", source: "Checkouts#create",
			status: "error", durationMS: 50, startedAt: now.Add(-30 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	// each run touches the incident, sliding detected_at forward so the
	// third run's lookup window still covers it
	evaluator.RunOnce(context.Background(), now)
	evaluator.RunOnce(context.Background(), now.Add(50*time.Minute))
	evaluator.RunOnce(context.Background(), now.Add(100*time.Minute))

	found := listAll(t, incidents, "error_spike")
	if len(found) != 1 {
		t.Fatalf("a persistent condition must keep one incident, got %d", len(found))
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.actions) != 1 {
		t.Fatalf("repeated touches must not re-notify, got %v", notifier.actions)
	}
}

func TestResolvedIncidentReopensOnRecurrence(t *testing.T) {
	evaluator, summaries, incidents, notifier := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 6; i++ {
		rows = append(rows, seed{name: "Checkouts#create", source: "Checkouts#create",
			status: "error", durationMS: 50, startedAt: now.Add(-30 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)
	created := listAll(t, incidents, "error_spike")
	if len(created) != 1 {
		t.Fatalf("setup: %d incidents", len(created))
	}
	if _, err := incidents.ResolveIncident(context.Background(), created[0].ID, "oncall", "fixed"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	evaluator.RunOnce(context.Background(), now.Add(10*time.Minute))

	reopened, err := incidents.GetIncident(context.Background(), created[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reopened.Status != store.IncidentStatusActive {
		t.Fatalf("status=%q", reopened.Status)
	}
	if reopened.ResolvedAt != nil {
		t.Fatal("reopen must clear resolution fields")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	want := []string{"created:error_spike", "reopened:error_spike"}
	if len(notifier.actions) != 2 || notifier.actions[0] != want[0] || notifier.actions[1] != want[1] {
		t.Fatalf("notifications=%v", notifier.actions)
	}
}

func TestSuppressionRulesSkipMatches(t *testing.T) {
	cfg := testConfig()
	cfg.SuppressionRules = []config.SuppressionRule{
		{Kind: "error_spike", Source: "Noisy#endpoint"},
		{Kind: "error_spike", Name: "/^Batch/"},
	}
	evaluator, summaries, incidents, _ := newTestEvaluator(t, cfg)
	now := time.Now().UTC()

	var rows []seed
	for i := 0; i < 6; i++ {
		rows = append(rows,
			seed{name: "Noisy#endpoint", source: "Noisy#endpoint", status: "error", durationMS: 5, startedAt: now.Add(-30 * time.Minute)},
			seed{name: "BatchImport#run", source: "BatchImport#run", status: "error", durationMS: 5, startedAt: now.Add(-30 * time.Minute)},
			seed{name: "Real#endpoint", source: "Real#endpoint", status: "error", durationMS: 5, startedAt: now.Add(-30 * time.Minute)})
	}
	seedSummaries(t, summaries, rows)

	evaluator.RunOnce(context.Background(), now)

	found := listAll(t, incidents, "error_spike")
	if len(found) != 1 || found[0].Name != "Real#endpoint" {
		t.Fatalf("suppression leaked: %+v", found)
	}
}

func TestAutoResolveIdleIncidents(t *testing.T) {
	evaluator, _, incidents, _ := newTestEvaluator(t, testConfig())
	now := time.Now().UTC()

	stale := &store.Incident{
		Kind: "error_spike", Severity: "critical", Source: "Old#one", Name: "Old#one",
		DetectedAt: now.Add(-6 * time.Hour), LastSeenAt: now.Add(-5 * time.Hour),
	}
	if _, err := incidents.CreateIncident(context.Background(), stale); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh := &store.Incident{
		Kind: "error_spike", Severity: "critical", Source: "New#one", Name: "New#one",
		DetectedAt: now.Add(-30 * time.Minute), LastSeenAt: now.Add(-10 * time.Minute),
	}
	if _, err := incidents.CreateIncident(context.Background(), fresh); err != nil {
		t.Fatalf("create: %v", err)
	}

	evaluator.RunOnce(context.Background(), now)

	staleAfter, err := incidents.GetIncident(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if staleAfter.Status != store.IncidentStatusResolved || staleAfter.ResolvedAt == nil {
		t.Fatalf("idle incident not auto-resolved: %+v", staleAfter)
	}
	if staleAfter.ResolvedBy != "system" {
		t.Fatalf("resolved_by=%q", staleAfter.ResolvedBy)
	}
	freshAfter, err := incidents.GetIncident(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if freshAfter.Status != store.IncidentStatusActive {
		t.Fatalf("recent incident must stay active: %+v", freshAfter)
	}
}

func TestMaybeRunRespectsInterval(t *testing.T) {
	cfg := testConfig()
	cfg.EvaluateMinInterval = time.Minute
	evaluator, _, _, _ := newTestEvaluator(t, cfg)

	if !evaluator.MaybeRun(context.Background()) {
		t.Fatal("first call should run")
	}
	if evaluator.MaybeRun(context.Background()) {
		t.Fatal("second call inside the interval must be dropped")
	}
}
