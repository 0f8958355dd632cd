package policy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if _, changed := RedactPII("hello world"); changed {
		t.Fatalf("changed = true for clean text")
	}
}

func TestRedactResultOnlyTouchesContent(t *testing.T) {
	payload := []byte(`{"type":"session_result","session_id":"20260101T000000Z-000001","text":"call 555 123 9876","summary":"mail a@b.io","turns":[{"start":0,"end":1.5,"speaker":"SPEAKER_00"}]}`)
	out, changed := RedactResult(payload)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("redacted payload is not JSON: %v", err)
	}
	if doc["text"] != "call [REDACTED_PHONE]" {
		t.Fatalf("text = %v", doc["text"])
	}
	if doc["summary"] != "mail [REDACTED_EMAIL]" {
		t.Fatalf("summary = %v", doc["summary"])
	}
	if doc["session_id"] != "20260101T000000Z-000001" {
		t.Fatalf("session_id = %v, want unchanged", doc["session_id"])
	}
	if turns, ok := doc["turns"].([]any); !ok || len(turns) != 1 {
		t.Fatalf("turns = %v, want unchanged", doc["turns"])
	}
}

func TestRedactResultLeavesCleanPayload(t *testing.T) {
	payload := []byte(`{"text":"hello world"}`)
	out, changed := RedactResult(payload)
	if changed || string(out) != string(payload) {
		t.Fatalf("RedactResult() = %s, %v, want unchanged", out, changed)
	}
	if _, changed := RedactResult([]byte("not json")); changed {
		t.Fatalf("changed = true for non-JSON")
	}
}
