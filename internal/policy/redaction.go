// Package policy holds the rules applied to session content before it
// leaves the durable path, such as masking personal data in log lines.
package policy

import (
	"encoding/json"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks emails, card numbers and phone numbers in text.
func RedactPII(input string) (string, bool) {
	out := emailPattern.ReplaceAllString(input, "[REDACTED_EMAIL]")
	// Cards first, or their digit runs read as phone numbers.
	out = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out, out != input
}

// contentKeys are the result fields that carry what was said.
var contentKeys = map[string]bool{
	"text":     true,
	"summary":  true,
	"raw_text": true,
}

// RedactResult masks PII in the spoken-content fields of a JSON outcome,
// leaving identifiers and timings untouched. Payloads that are not JSON
// objects are returned as is.
func RedactResult(payload []byte) ([]byte, bool) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload, false
	}
	if !redactContent(doc) {
		return payload, false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return payload, false
	}
	return out, true
}

func redactContent(v any) bool {
	changed := false
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && contentKeys[k] {
				if red, c := RedactPII(s); c {
					t[k] = red
					changed = true
				}
				continue
			}
			if redactContent(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range t {
			if redactContent(child) {
				changed = true
			}
		}
	}
	return changed
}
