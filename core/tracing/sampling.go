package tracing

import "tracedeck/core/store"

// keepTrace is the retention decision, evaluated once at finish. Any
// panic during evaluation defaults to keep: over-retaining beats
// silently losing diagnostic data.
func (t *Tracer) keepTrace(trace *store.Trace, traceContext map[string]any, durationMS float64) (keep bool) {
	defer func() {
		if recover() != nil {
			keep = true
		}
	}()
	if trace.Status == "error" {
		return true
	}
	if status, ok := contextInt(traceContext, "http_status"); ok && status >= 500 {
		return true
	}
	if t.cfg.TailSampleSlowMS > 0 && durationMS >= t.cfg.TailSampleSlowMS {
		return true
	}
	for _, key := range t.cfg.AlwaysSampleContextKeys {
		if truthy(traceContext[key]) {
			return true
		}
	}
	if t.alwaysSample != nil && t.alwaysSample(trace, traceContext, durationMS) {
		return true
	}
	rate := t.cfg.SampleRate
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return t.randFloat() < rate
}

func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != "" && value != "false" && value != "0"
	case int:
		return value != 0
	case int64:
		return value != 0
	case float64:
		return value != 0
	default:
		return true
	}
}
