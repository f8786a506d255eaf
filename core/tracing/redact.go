package tracing

import (
	"encoding/json"
	"strings"

	"tracedeck/config"
)

// Redactor sanitizes and size-bounds arbitrary payloads before they
// reach storage.
type Redactor struct {
	sensitiveKeys []string
	paths         map[string]string
	placeholder   string
	truncated     string
}

func NewRedactor(cfg config.TracingConfig) *Redactor {
	keys := make([]string, 0, len(cfg.EffectiveSensitiveKeys()))
	for _, k := range cfg.EffectiveSensitiveKeys() {
		keys = append(keys, strings.ToLower(k))
	}
	placeholder := cfg.RedactionPlaceholder
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	truncated := cfg.TruncationPlaceholder
	if truncated == "" {
		truncated = "[TRUNCATED]"
	}
	return &Redactor{
		sensitiveKeys: keys,
		paths:         cfg.RedactionPaths,
		placeholder:   placeholder,
		truncated:     truncated,
	}
}

// Redact walks maps and slices, replacing values under sensitive keys.
// An explicit dotted-path rule takes precedence over substring matching
// and may carry its own placeholder.
func (r *Redactor) Redact(value any) any {
	return r.redactValue(value, "")
}

// RedactMap is Redact constrained to a top-level map, which is what
// trace contexts and event payloads always are.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := r.redactValue(m, "").(map[string]any)
	return out
}

func (r *Redactor) redactValue(value any, path string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if placeholder, ok := r.pathRule(childPath); ok {
				out[key] = placeholder
				continue
			}
			if r.sensitiveKey(key) {
				out[key] = r.placeholder
				continue
			}
			out[key] = r.redactValue(item, childPath)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.redactValue(item, path)
		}
		return out
	default:
		return value
	}
}

func (r *Redactor) pathRule(path string) (string, bool) {
	rule, ok := r.paths[path]
	if !ok {
		return "", false
	}
	// A rule with an empty or "true" value uses the default placeholder.
	if rule == "" || rule == "true" {
		return r.placeholder, true
	}
	return rule, true
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range r.sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// Guard replaces a payload whose serialized form exceeds maxBytes with
// a small envelope. Partial truncation is never attempted so the shape
// stays predictable for consumers.
func (r *Redactor) Guard(value map[string]any, maxBytes int) map[string]any {
	if value == nil || maxBytes <= 0 {
		return value
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		return map[string]any{
			"truncated": true,
			"max_bytes": maxBytes,
			"value":     r.truncated,
		}
	}
	if len(serialized) <= maxBytes {
		return value
	}
	return map[string]any{
		"truncated":      true,
		"original_bytes": len(serialized),
		"max_bytes":      maxBytes,
		"value":          r.truncated,
	}
}
