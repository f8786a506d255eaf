package tracing

import (
	"context"
	"reflect"
	"sort"

	"tracedeck/core/store"
)

// timestamp fields never count as meaningful changes
var stateDiffExcluded = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
}

// RecordStateDiff emits a "state_diff" event carrying only the fields
// that changed between before and after, never full records. No event
// is produced when nothing changed.
func (t *Tracer) RecordStateDiff(ctx context.Context, entityType string, entityID int64, action string, before, after map[string]any) *store.Event {
	if fromContext(ctx) == nil || !t.ready.Load() {
		return nil
	}
	changed := t.changedFields(before, after)
	if len(changed) == 0 {
		return nil
	}
	beforeSlice := map[string]any{}
	afterSlice := map[string]any{}
	for _, field := range changed {
		if value, ok := before[field]; ok {
			beforeSlice[field] = value
		}
		if value, ok := after[field]; ok {
			afterSlice[field] = value
		}
	}
	changedAny := make([]any, len(changed))
	for i, field := range changed {
		changedAny[i] = field
	}
	payload := map[string]any{
		"entity_type":    entityType,
		"entity_id":      entityID,
		"action":         action,
		"changed_fields": changedAny,
		"before":         beforeSlice,
		"after":          afterSlice,
	}
	return t.RecordEvent(ctx, "state_diff", entityType, payload, nil)
}

func (t *Tracer) changedFields(before, after map[string]any) []string {
	allow := map[string]struct{}{}
	for _, field := range t.cfg.StateDiffAllowlist {
		allow[field] = struct{}{}
	}
	block := map[string]struct{}{}
	for _, field := range t.cfg.StateDiffBlocklist {
		block[field] = struct{}{}
	}

	fields := map[string]struct{}{}
	for field := range before {
		fields[field] = struct{}{}
	}
	for field := range after {
		fields[field] = struct{}{}
	}

	changed := []string{}
	for field := range fields {
		if _, excluded := stateDiffExcluded[field]; excluded {
			continue
		}
		if _, blocked := block[field]; blocked {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[field]; !ok {
				continue
			}
		}
		if !reflect.DeepEqual(before[field], after[field]) {
			changed = append(changed, field)
		}
	}
	sort.Strings(changed)
	max := t.cfg.StateDiffMaxFields
	if max > 0 && len(changed) > max {
		changed = changed[:max]
	}
	return changed
}
