// Package tracing implements the trace lifecycle state machine: an
// execution-context-scoped current trace, sampling at finish, summary
// and journey materialization, and causal handoff across async
// boundaries. Every operation degrades to a no-op when storage is not
// ready and never surfaces an error into the host request or job.
package tracing

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tracedeck/config"
	"tracedeck/core/cache"
	"tracedeck/core/store"
)

const (
	TraceTypeRequest      = "request"
	TraceTypeJob          = "job"
	TraceTypeMailer       = "mailer"
	TraceTypeCable        = "cable"
	TraceTypeExternalHTTP = "external_http"
)

// AlwaysSampleFunc is the runtime keep predicate. Returning true keeps
// the trace regardless of the sample rate.
type AlwaysSampleFunc func(trace *store.Trace, traceContext map[string]any, durationMS float64) bool

type Tracer struct {
	cfg       config.TracingConfig
	db        *sql.DB
	traces    store.TracesStore
	summaries store.SummariesStore
	journeys  store.JourneysStore
	cache     cache.Channel
	logger    zerolog.Logger

	ready        atomic.Bool
	randFloat    func() float64
	alwaysSample AlwaysSampleFunc
	errorStore   ErrorStore

	ignoreEntityTypes map[string]struct{}
	redactor          *Redactor

	boundMu     sync.Mutex
	boundTraces map[string]int64
}

// Entity tags of the observability schema itself. Linking these would
// feed the pipeline back into itself.
var selfEntityTypes = []string{
	"trace", "trace_event", "record_link", "error_link",
	"summary", "incident", "incident_event", "journey", "causal_edge", "saved_view",
}

type Option func(*Tracer)

func WithAlwaysSampleFunc(fn AlwaysSampleFunc) Option {
	return func(t *Tracer) { t.alwaysSample = fn }
}

func WithErrorStore(es ErrorStore) Option {
	return func(t *Tracer) { t.errorStore = es }
}

func WithCache(ch cache.Channel) Option {
	return func(t *Tracer) { t.cache = ch }
}

func NewTracer(cfg config.TracingConfig, db *sql.DB, traces store.TracesStore, summaries store.SummariesStore, journeys store.JourneysStore, logger zerolog.Logger, opts ...Option) *Tracer {
	t := &Tracer{
		cfg:               cfg,
		db:                db,
		traces:            traces,
		summaries:         summaries,
		journeys:          journeys,
		logger:            logger,
		randFloat:         rand.Float64,
		ignoreEntityTypes: map[string]struct{}{},
		redactor:          NewRedactor(cfg),
		boundTraces:       map[string]int64{},
	}
	for _, tag := range selfEntityTypes {
		t.ignoreEntityTypes[tag] = struct{}{}
	}
	for _, tag := range cfg.IgnoreEntityTypes {
		t.ignoreEntityTypes[strings.ToLower(tag)] = struct{}{}
	}
	for _, opt := range opts {
		opt(t)
	}
	t.RefreshReadiness(context.Background())
	return t
}

// RefreshReadiness re-probes the trace tables. Called once at
// construction and again on demand, never per operation.
func (t *Tracer) RefreshReadiness(ctx context.Context) bool {
	ready := store.SchemaReady(ctx, t.db)
	t.ready.Store(ready)
	return ready
}

func (t *Tracer) Ready() bool { return t.ready.Load() }

// active is the per-trace state carried in the request or job context.
// Only the owning execution context mutates it, so no locking.
type active struct {
	trace         *store.Trace
	eventCount    int
	sqlCount      int
	sqlDurationMS float64
	typeCounts    map[string]int
	finished      bool
}

type ctxKey struct{}

func fromContext(ctx context.Context) *active {
	a, _ := ctx.Value(ctxKey{}).(*active)
	if a == nil || a.finished {
		return nil
	}
	return a
}

// CurrentTrace returns the open trace carried by ctx, if any.
func CurrentTrace(ctx context.Context) *store.Trace {
	if a := fromContext(ctx); a != nil {
		return a.trace
	}
	return nil
}

type StartOptions struct {
	Name            string
	TraceType       string
	Source          string
	Context         map[string]any
	CausedByTraceID *int64
	CausedByEventID *int64
}

// StartTrace opens a trace, sets it as current on the returned context
// and resets the in-memory metric accumulator. When storage is not
// ready it returns the context unchanged and a nil trace.
func (t *Tracer) StartTrace(ctx context.Context, opts StartOptions) (context.Context, *store.Trace) {
	if !t.ready.Load() {
		return ctx, nil
	}
	traceContext := t.redactor.Guard(t.redactor.RedactMap(opts.Context), t.cfg.MaxContextPayloadBytes)
	if traceContext == nil {
		traceContext = map[string]any{}
	}
	trace := &store.Trace{
		Name:            opts.Name,
		TraceType:       opts.TraceType,
		Source:          opts.Source,
		Status:          "ok",
		Context:         traceContext,
		StartedAt:       time.Now().UTC(),
		CausedByTraceID: opts.CausedByTraceID,
		CausedByEventID: opts.CausedByEventID,
	}
	if _, err := t.traces.CreateTrace(ctx, trace); err != nil {
		t.logger.Debug().Err(err).Str("name", opts.Name).Msg("start trace failed")
		return ctx, nil
	}
	if opts.CausedByTraceID != nil {
		edge := &store.CausalEdge{
			FromTraceID: opts.CausedByTraceID,
			FromEventID: opts.CausedByEventID,
			ToTraceID:   trace.ID,
			EdgeType:    "caused_by",
		}
		if _, _, err := t.journeys.CreateCausalEdge(ctx, edge); err != nil {
			t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("causal edge failed")
		}
	}
	a := &active{trace: trace, typeCounts: map[string]int{}}
	return context.WithValue(ctx, ctxKey{}, a), trace
}

// RecordEvent records a timed sub-operation on the current trace. The
// accumulator is always updated; under wide-event mode with sub-event
// persistence disabled the row itself is skipped and only aggregates
// survive in the summary.
func (t *Tracer) RecordEvent(ctx context.Context, eventType, name string, payload map[string]any, durationMS *float64) *store.Event {
	a := fromContext(ctx)
	if a == nil || !t.ready.Load() {
		return nil
	}
	a.eventCount++
	a.typeCounts[eventType]++
	if eventType == "sql" {
		a.sqlCount++
		if durationMS != nil {
			a.sqlDurationMS += *durationMS
		}
	}
	var event *store.Event
	persistRow := !(t.cfg.WideEventPrimary && !t.cfg.PersistSubEventsEnabled())
	if persistRow {
		event = &store.Event{
			TraceID:    a.trace.ID,
			EventType:  eventType,
			Name:       name,
			Payload:    t.redactor.Guard(t.redactor.RedactMap(payload), t.cfg.MaxEventPayloadBytes),
			DurationMS: durationMS,
			OccurredAt: time.Now().UTC(),
		}
		if _, err := t.traces.AddEvent(ctx, event); err != nil {
			t.logger.Debug().Err(err).Str("event_type", eventType).Msg("record event failed")
			event = nil
		}
	}
	t.upsertSummary(ctx, a)
	return event
}

// LinkRecord ties a business entity to the current trace. Entities
// from the observability schema, the configured ignore list or an
// ignore prefix are skipped.
func (t *Tracer) LinkRecord(ctx context.Context, entityType string, entityID int64) *store.RecordLink {
	a := fromContext(ctx)
	if a == nil || !t.ready.Load() {
		return nil
	}
	if t.ignoredEntity(entityType) {
		return nil
	}
	link, _, err := t.traces.FindOrCreateRecordLink(ctx, a.trace.ID, entityType, entityID)
	if err != nil {
		t.logger.Debug().Err(err).Str("entity_type", entityType).Msg("link record failed")
		return nil
	}
	t.upsertSummary(ctx, a)
	return link
}

func (t *Tracer) ignoredEntity(entityType string) bool {
	lower := strings.ToLower(strings.TrimSpace(entityType))
	if lower == "" {
		return true
	}
	if _, ok := t.ignoreEntityTypes[lower]; ok {
		return true
	}
	for _, prefix := range t.cfg.IgnoreEntityPrefixes {
		if prefix != "" && strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// LinkError ties an external error record to the current trace.
func (t *Tracer) LinkError(ctx context.Context, errorID int64) *store.ErrorLink {
	a := fromContext(ctx)
	if a == nil || !t.ready.Load() {
		return nil
	}
	link, _, err := t.traces.FindOrCreateErrorLink(ctx, a.trace.ID, errorID)
	if err != nil {
		t.logger.Debug().Err(err).Int64("error_id", errorID).Msg("link error failed")
		return nil
	}
	t.upsertSummary(ctx, a)
	return link
}

// Annotate merges extra keys into the open trace's context.
func (t *Tracer) Annotate(ctx context.Context, extra map[string]any) {
	a := fromContext(ctx)
	if a == nil || !t.ready.Load() || len(extra) == 0 {
		return
	}
	merged := mergeContext(a.trace.Context, t.redactor.RedactMap(extra))
	merged = t.redactor.Guard(merged, t.cfg.MaxContextPayloadBytes)
	a.trace.Context = merged
	if err := t.traces.UpdateTraceContext(ctx, a.trace.ID, merged); err != nil {
		t.logger.Debug().Err(err).Int64("trace_id", a.trace.ID).Msg("annotate failed")
	}
}

// FinishTrace closes the current trace and applies the retention
// sampling decision. Dropped traces are deleted with their events and
// links and leave no summary; kept traces get their summary and
// journey materialized and one canonical log line.
func (t *Tracer) FinishTrace(ctx context.Context, status string, extra map[string]any) *store.Trace {
	a := fromContext(ctx)
	if a == nil || !t.ready.Load() {
		return nil
	}
	a.finished = true
	trace := a.trace
	if status != "" {
		trace.Status = status
	}
	if len(extra) > 0 {
		trace.Context = t.redactor.Guard(mergeContext(trace.Context, t.redactor.RedactMap(extra)), t.cfg.MaxContextPayloadBytes)
	}
	finishedAt := time.Now().UTC()
	trace.FinishedAt = &finishedAt
	if err := t.traces.UpdateTraceFinish(ctx, trace.ID, trace.Status, finishedAt, trace.Context); err != nil {
		t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("finish trace failed")
		return nil
	}
	durationMS := 0.0
	if d := trace.DurationMS(); d != nil {
		durationMS = *d
	}
	if !t.keepTrace(trace, trace.Context, durationMS) {
		if err := t.summaries.DeleteSummaryByTrace(ctx, trace.ID); err != nil {
			t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("drop summary failed")
		}
		if err := t.traces.DeleteTrace(ctx, trace.ID); err != nil {
			t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("drop trace failed")
		}
		return nil
	}
	summary := t.upsertSummary(ctx, a)
	if summary != nil {
		t.materializeJourney(ctx, summary)
	}
	if t.cfg.EmitCanonicalLogLineEnabled() {
		t.canonicalLogLine(trace, a, durationMS)
	}
	return trace
}

func (t *Tracer) canonicalLogLine(trace *store.Trace, a *active, durationMS float64) {
	t.logger.Info().
		Int64("trace_id", trace.ID).
		Str("trace_type", trace.TraceType).
		Str("name", trace.Name).
		Str("source", trace.Source).
		Str("status", trace.Status).
		Float64("duration_ms", durationMS).
		Int("event_count", a.eventCount).
		Int("sql_count", a.sqlCount).
		Float64("sql_duration_ms", a.sqlDurationMS).
		Msg("trace finished")
}

// BindError remembers a transient error→trace association so handlers
// firing after the trace's live scope can still attribute the error.
// Best effort and bounded, never guaranteed.
func (t *Tracer) BindError(err error, traceID int64) {
	if err == nil || traceID == 0 {
		return
	}
	t.boundMu.Lock()
	defer t.boundMu.Unlock()
	if len(t.boundTraces) >= 256 {
		t.boundTraces = map[string]int64{}
	}
	t.boundTraces[errorKey(err)] = traceID
}

// ConsumeBoundTrace returns and clears the trace bound to err.
func (t *Tracer) ConsumeBoundTrace(err error) (int64, bool) {
	if err == nil {
		return 0, false
	}
	t.boundMu.Lock()
	defer t.boundMu.Unlock()
	key := errorKey(err)
	traceID, ok := t.boundTraces[key]
	if ok {
		delete(t.boundTraces, key)
	}
	return traceID, ok
}

func errorKey(err error) string {
	return fmt.Sprintf("%T:%s", err, err.Error())
}

func mergeContext(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
