package tracing

import (
	"context"
	"strconv"

	"tracedeck/core/store"
)

// traceMetrics is the aggregate view a summary is built from: the live
// accumulator when the trace is still current, else recomputed from
// persisted events.
type traceMetrics struct {
	eventCount    int
	sqlCount      int
	sqlDurationMS float64
	typeCounts    map[string]int
}

func (t *Tracer) upsertSummary(ctx context.Context, a *active) *store.Summary {
	metrics := traceMetrics{
		eventCount:    a.eventCount,
		sqlCount:      a.sqlCount,
		sqlDurationMS: a.sqlDurationMS,
		typeCounts:    a.typeCounts,
	}
	summary := t.buildSummary(ctx, a.trace, metrics)
	if _, err := t.summaries.UpsertSummary(ctx, summary); err != nil {
		t.logger.Debug().Err(err).Int64("trace_id", a.trace.ID).Msg("summary upsert failed")
		return nil
	}
	return summary
}

// SummarizeTrace rebuilds and upserts the summary for a trace that is
// no longer current, recomputing metrics from its persisted events.
// Used by async recovery paths.
func (t *Tracer) SummarizeTrace(ctx context.Context, trace *store.Trace) *store.Summary {
	if trace == nil || !t.ready.Load() {
		return nil
	}
	metrics, err := t.recomputeMetrics(ctx, trace.ID)
	if err != nil {
		t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("metric recompute failed")
		return nil
	}
	summary := t.buildSummary(ctx, trace, metrics)
	if _, err := t.summaries.UpsertSummary(ctx, summary); err != nil {
		t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("summary upsert failed")
		return nil
	}
	return summary
}

func (t *Tracer) recomputeMetrics(ctx context.Context, traceID int64) (traceMetrics, error) {
	counts, err := t.traces.CountEventsByType(ctx, traceID)
	if err != nil {
		return traceMetrics{}, err
	}
	sqlDuration, err := t.traces.SumEventDurationByType(ctx, traceID, "sql")
	if err != nil {
		return traceMetrics{}, err
	}
	metrics := traceMetrics{typeCounts: counts, sqlDurationMS: sqlDuration, sqlCount: counts["sql"]}
	for _, n := range counts {
		metrics.eventCount += n
	}
	return metrics, nil
}

func (t *Tracer) buildSummary(ctx context.Context, trace *store.Trace, metrics traceMetrics) *store.Summary {
	summary := &store.Summary{
		TraceID:         trace.ID,
		Name:            trace.Name,
		TraceType:       trace.TraceType,
		Source:          trace.Source,
		Status:          trace.Status,
		Outcome:         outcomeFor(trace.Status),
		StartedAt:       trace.StartedAt,
		FinishedAt:      trace.FinishedAt,
		DurationMS:      trace.DurationMS(),
		EventCount:      metrics.eventCount,
		SQLCount:        metrics.sqlCount,
		SQLDurationMS:   metrics.sqlDurationMS,
		Service:         t.cfg.Service,
		Environment:     t.cfg.Environment,
		Version:         t.cfg.Version,
		Deployment:      t.cfg.Deployment,
		Region:          t.cfg.Region,
		SchemaVersion:   "1",
		CausedByTraceID: trace.CausedByTraceID,
		CausedByEventID: trace.CausedByEventID,
	}

	traceContext := trace.Context
	if status, ok := contextInt(traceContext, "http_status"); ok {
		summary.HTTPStatus = &status
	}
	summary.RequestMethod = contextString(traceContext, "request_method", "method")
	summary.RequestID = contextString(traceContext, "request_id")
	summary.Path = contextString(traceContext, "path")
	summary.JobClass = contextString(traceContext, "job_class")
	summary.QueueName = contextString(traceContext, "queue_name", "queue")
	summary.ErrorFingerprint = contextString(traceContext, "error_fingerprint")
	if userID, ok := contextInt64(traceContext, "user_id"); ok {
		summary.UserID = &userID
	}
	if accountID, ok := contextInt64(traceContext, "account_id"); ok {
		summary.AccountID = &accountID
	}

	if primary, err := t.traces.FirstRecordLink(ctx, trace.ID); err == nil && primary != nil {
		summary.EntityType = primary.EntityType
		summary.EntityID = &primary.EntityID
	}
	if n, err := t.traces.CountRecordLinks(ctx, trace.ID); err == nil {
		summary.RecordLinkCount = n
	}
	errorLinkIDs := []int64{}
	if links, err := t.traces.ListErrorLinks(ctx, trace.ID); err == nil {
		summary.ErrorCount = len(links)
		for _, link := range links {
			errorLinkIDs = append(errorLinkIDs, link.ErrorID)
		}
	}

	eventCounts := map[string]any{}
	for eventType, n := range metrics.typeCounts {
		eventCounts[eventType] = n
	}
	payload := map[string]any{
		"event_counts": eventCounts,
		"context":      traceContext,
	}
	if len(errorLinkIDs) > 0 {
		ids := make([]any, len(errorLinkIDs))
		for i, id := range errorLinkIDs {
			ids[i] = id
		}
		payload["error_link_ids"] = ids
	}
	if slices := t.featureSlices(traceContext); len(slices) > 0 {
		payload["feature_slices"] = slices
	}
	summary.Payload = payload
	return summary
}

func outcomeFor(status string) string {
	if status == "error" {
		return "failure"
	}
	return "success"
}

// featureSlices copies the configured allow-list of context keys so
// summaries can be filtered per flag without schema changes.
func (t *Tracer) featureSlices(traceContext map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range t.cfg.EffectiveFeatureSliceKeys() {
		if value, ok := traceContext[key]; ok && value != nil {
			out[key] = value
		}
	}
	return out
}

func contextString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := m[key]; ok {
			if s, ok := value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func contextInt(m map[string]any, key string) (int, bool) {
	switch value := m[key].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	case string:
		if n, err := strconv.Atoi(value); err == nil {
			return n, true
		}
	}
	return 0, false
}

func contextInt64(m map[string]any, key string) (int64, bool) {
	if n, ok := contextInt(m, key); ok {
		return int64(n), true
	}
	return 0, false
}
