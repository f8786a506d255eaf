package tracing

import (
	"context"
	"fmt"
)

// InstrumentEnqueue records a job_enqueue event on the current trace
// and registers the causal handoff so the eventual execution links
// back to this trace.
func (t *Tracer) InstrumentEnqueue(ctx context.Context, jobClass, jobID, queue string) {
	event := t.RecordEvent(ctx, "job_enqueue", jobClass, map[string]any{
		"job_class":  jobClass,
		"job_id":     jobID,
		"queue_name": queue,
	}, nil)
	trace := CurrentTrace(ctx)
	if trace == nil {
		return
	}
	var eventID int64
	if event != nil {
		eventID = event.ID
	}
	t.RegisterAsyncCausalLink(ctx, jobID, trace.ID, eventID)
}

// InstrumentJob wraps a job execution in its own trace, consuming the
// causal pointer left by the enqueueing trace when one is present. A
// returned error or panic marks the trace errored with the exception
// context and fingerprint; panics are re-raised.
func (t *Tracer) InstrumentJob(ctx context.Context, jobClass, jobID, queue string, fn func(context.Context) error) error {
	var causedByTrace, causedByEvent *int64
	if traceID, eventID, found := t.ConsumeAsyncCausalLink(ctx, jobID); found {
		causedByTrace = &traceID
		if eventID != 0 {
			causedByEvent = &eventID
		}
	}
	jobCtx, trace := t.StartTrace(ctx, StartOptions{
		Name:      jobClass,
		TraceType: TraceTypeJob,
		Source:    jobClass + "#perform",
		Context: map[string]any{
			"job_class":  jobClass,
			"job_id":     jobID,
			"queue_name": queue,
		},
		CausedByTraceID: causedByTrace,
		CausedByEventID: causedByEvent,
	})
	if trace == nil {
		return fn(ctx)
	}

	defer func() {
		if rec := recover(); rec != nil {
			t.FinishTrace(jobCtx, "error", map[string]any{
				"exception_class":   fmt.Sprintf("%T", rec),
				"exception_message": fmt.Sprint(rec),
			})
			panic(rec)
		}
	}()

	err := fn(jobCtx)
	if err != nil {
		fingerprint := Fingerprint(err, "error", trace.Source)
		t.BindError(err, trace.ID)
		finished := t.FinishTrace(jobCtx, "error", map[string]any{
			"exception_class":   fmt.Sprintf("%T", err),
			"exception_message": err.Error(),
			"error_fingerprint": fingerprint,
		})
		if finished != nil {
			t.ReconcileErrorLink(jobCtx, finished, err)
		}
		return err
	}
	t.FinishTrace(jobCtx, "ok", nil)
	return nil
}
