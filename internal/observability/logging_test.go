package observability

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "json", "vzstt")
	log.Debug().Str("session_id", "s1").Msg("frame received")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "vzstt" || entry["session_id"] != "s1" || entry["level"] != "debug" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewLoggerUnknownLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "chatty", "json", "vzstt")
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted at default level: %q", buf.String())
	}
	log.Info().Msg("shown")
	if buf.Len() == 0 {
		t.Fatalf("info line not emitted")
	}
}
