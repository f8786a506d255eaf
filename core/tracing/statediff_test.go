package tracing

import (
	"context"
	"testing"

	"tracedeck/config"
	"tracedeck/core/store"
)

func TestRecordStateDiffEmitsChangedFieldsOnly(t *testing.T) {
	tracer, db := newTestTracer(t, config.TracingConfig{SampleRate: 1, StateDiffMaxFields: 20})

	ctx, trace := tracer.StartTrace(context.Background(), StartOptions{
		Name: "OrdersController#update", TraceType: TraceTypeRequest, Source: "OrdersController#update",
	})
	event := tracer.RecordStateDiff(ctx, "order", 42, "update",
		map[string]any{"status": "pending", "total": 100, "updated_at": "old"},
		map[string]any{"status": "shipped", "total": 100, "updated_at": "new"})
	if event == nil {
		t.Fatal("expected a state_diff event")
	}
	tracer.FinishTrace(ctx, "ok", nil)

	events, err := store.NewTracesStore(db).ListEvents(context.Background(), trace.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "state_diff" {
		t.Fatalf("unexpected events: %+v", events)
	}
	payload := events[0].Payload
	changed, ok := payload["changed_fields"].([]any)
	if !ok || len(changed) != 1 || changed[0] != "status" {
		t.Fatalf("changed_fields=%v", payload["changed_fields"])
	}
	before := payload["before"].(map[string]any)
	after := payload["after"].(map[string]any)
	if before["status"] != "pending" || after["status"] != "shipped" {
		t.Fatalf("before/after slices wrong: %v %v", before, after)
	}
	if _, present := before["total"]; present {
		t.Fatal("unchanged fields must not appear in the slices")
	}
	if _, present := before["updated_at"]; present {
		t.Fatal("timestamp fields must be excluded")
	}
}

func TestRecordStateDiffNoEventWhenNothingChanged(t *testing.T) {
	tracer, db := newTestTracer(t, config.TracingConfig{SampleRate: 1})

	ctx, trace := tracer.StartTrace(context.Background(), StartOptions{
		Name: "OrdersController#update", TraceType: TraceTypeRequest, Source: "OrdersController#update",
	})
	same := map[string]any{"status": "pending"}
	if event := tracer.RecordStateDiff(ctx, "order", 42, "update", same, same); event != nil {
		t.Fatal("identical records must not produce an event")
	}
	tracer.FinishTrace(ctx, "error", nil)

	events, err := store.NewTracesStore(db).ListEvents(context.Background(), trace.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestChangedFieldsHonorsListsAndCap(t *testing.T) {
	tracer, _ := newTestTracer(t, config.TracingConfig{
		SampleRate:         1,
		StateDiffAllowlist: []string{"status", "total", "owner"},
		StateDiffBlocklist: []string{"owner"},
		StateDiffMaxFields: 1,
	})

	changed := tracer.changedFields(
		map[string]any{"status": "a", "total": 1, "owner": "x", "note": "old"},
		map[string]any{"status": "b", "total": 2, "owner": "y", "note": "new"})
	// note is outside the allowlist, owner is blocked, the cap keeps
	// the first field in sorted order
	if len(changed) != 1 || changed[0] != "status" {
		t.Fatalf("changed=%v", changed)
	}
}

func TestFieldAdditionAndRemovalCountAsChanges(t *testing.T) {
	tracer, _ := newTestTracer(t, config.TracingConfig{SampleRate: 1, StateDiffMaxFields: 20})

	changed := tracer.changedFields(
		map[string]any{},
		map[string]any{"name": "draft"})
	if len(changed) != 1 || changed[0] != "name" {
		t.Fatalf("creation diff wrong: %v", changed)
	}

	changed = tracer.changedFields(
		map[string]any{"name": "draft"},
		map[string]any{})
	if len(changed) != 1 || changed[0] != "name" {
		t.Fatalf("deletion diff wrong: %v", changed)
	}
}
