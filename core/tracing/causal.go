package tracing

import (
	"context"
	"encoding/json"
)

type causalPointer struct {
	TraceID int64 `json:"trace_id"`
	EventID int64 `json:"event_id"`
}

func causalKey(jobID string) string {
	return "causal:" + jobID
}

// RegisterAsyncCausalLink hands the current trace/event pointer to the
// cache channel keyed by the deferred work's id. Best effort: a
// missing channel or a write failure leaves causality absent.
func (t *Tracer) RegisterAsyncCausalLink(ctx context.Context, jobID string, traceID, eventID int64) {
	if t.cache == nil || jobID == "" || traceID == 0 {
		return
	}
	value, err := json.Marshal(causalPointer{TraceID: traceID, EventID: eventID})
	if err != nil {
		return
	}
	if err := t.cache.Put(ctx, causalKey(jobID), value); err != nil {
		t.logger.Debug().Err(err).Str("job_id", jobID).Msg("causal handoff write failed")
	}
}

// ConsumeAsyncCausalLink reads and deletes the causal pointer for a
// job id. Expired or missing entries simply mean no linkage.
func (t *Tracer) ConsumeAsyncCausalLink(ctx context.Context, jobID string) (traceID, eventID int64, found bool) {
	if t.cache == nil || jobID == "" {
		return 0, 0, false
	}
	value, ok, err := t.cache.Get(ctx, causalKey(jobID))
	if err != nil {
		t.logger.Debug().Err(err).Str("job_id", jobID).Msg("causal handoff read failed")
		return 0, 0, false
	}
	if !ok {
		return 0, 0, false
	}
	var pointer causalPointer
	if err := json.Unmarshal(value, &pointer); err != nil {
		return 0, 0, false
	}
	_ = t.cache.Delete(ctx, causalKey(jobID))
	return pointer.TraceID, pointer.EventID, pointer.TraceID != 0
}
