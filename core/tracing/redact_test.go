package tracing

import (
	"encoding/json"
	"strings"
	"testing"

	"tracedeck/config"
)

func TestRedactSensitiveKeysRecursively(t *testing.T) {
	r := NewRedactor(config.TracingConfig{})

	out := r.RedactMap(map[string]any{
		"email": "user@example.com",
		"nested": map[string]any{
			"refresh_token": "tok-123",
			"count":         3,
		},
		"items": []any{
			map[string]any{"api_key": "k-1", "name": "left"},
		},
		"Password": "hunter2",
	})

	if out["email"] != "user@example.com" {
		t.Fatalf("non-sensitive key mangled: %v", out["email"])
	}
	if out["Password"] != "[REDACTED]" {
		t.Fatalf("key match must be case-insensitive: %v", out["Password"])
	}
	nested := out["nested"].(map[string]any)
	if nested["refresh_token"] != "[REDACTED]" || nested["count"] != 3 {
		t.Fatalf("nested redaction wrong: %v", nested)
	}
	item := out["items"].([]any)[0].(map[string]any)
	if item["api_key"] != "[REDACTED]" || item["name"] != "left" {
		t.Fatalf("slice element redaction wrong: %v", item)
	}
}

func TestRedactSubstringKeyMatch(t *testing.T) {
	r := NewRedactor(config.TracingConfig{})
	out := r.RedactMap(map[string]any{"stripe_secret_key": "sk_live_x", "user_password_digest": "abc"})
	if out["stripe_secret_key"] != "[REDACTED]" || out["user_password_digest"] != "[REDACTED]" {
		t.Fatalf("substring match failed: %v", out)
	}
}

func TestRedactPathRulesWinOverKeyRules(t *testing.T) {
	r := NewRedactor(config.TracingConfig{
		RedactionPaths: map[string]string{
			"card.number":    "",
			"card.last_four": "****",
		},
	})
	out := r.RedactMap(map[string]any{
		"card": map[string]any{
			"number":    "4242424242424242",
			"last_four": "4242",
			"brand":     "visa",
		},
	})
	card := out["card"].(map[string]any)
	if card["number"] != "[REDACTED]" {
		t.Fatalf("empty rule value must use the default placeholder: %v", card["number"])
	}
	if card["last_four"] != "****" {
		t.Fatalf("custom placeholder not applied: %v", card["last_four"])
	}
	if card["brand"] != "visa" {
		t.Fatalf("unlisted sibling mangled: %v", card["brand"])
	}
}

func TestGuardTruncatesOversizedPayload(t *testing.T) {
	r := NewRedactor(config.TracingConfig{})

	small := map[string]any{"a": 1}
	if got := r.Guard(small, 1024); got["a"] != 1 {
		t.Fatalf("small payload must pass through: %v", got)
	}

	big := map[string]any{"blob": strings.Repeat("x", 4096)}
	got := r.Guard(big, 256)
	if got["truncated"] != true {
		t.Fatalf("expected truncation envelope: %v", got)
	}
	if got["max_bytes"] != 256 {
		t.Fatalf("envelope max_bytes wrong: %v", got["max_bytes"])
	}
	if got["value"] != "[TRUNCATED]" {
		t.Fatalf("envelope value wrong: %v", got["value"])
	}
	raw, err := json.Marshal(big)
	if err != nil {
		t.Fatal(err)
	}
	if got["original_bytes"] != len(raw) {
		t.Fatalf("envelope original_bytes=%v want %d", got["original_bytes"], len(raw))
	}
}
