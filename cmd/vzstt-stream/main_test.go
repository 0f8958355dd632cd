package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/protocol"
)

func TestChunksKeepOrderAndRemainder(t *testing.T) {
	got := chunks([]byte("abcdefg"), 3)
	want := []string{"abc", "def", "g"}
	if len(got) != len(want) {
		t.Fatalf("len(chunks) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
	if n := len(chunks(nil, 3)); n != 0 {
		t.Fatalf("len(chunks(nil)) = %d, want 0", n)
	}
}

func TestChunkIntervalPacesWAV(t *testing.T) {
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, 32000), 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	// 16 kHz mono s16: 32000 bytes per second.
	if got := chunkInterval(wav, 16000, 1); got != 500*time.Millisecond {
		t.Fatalf("chunkInterval(1x) = %v, want 500ms", got)
	}
	if got := chunkInterval(wav, 16000, 2); got != 250*time.Millisecond {
		t.Fatalf("chunkInterval(2x) = %v, want 250ms", got)
	}
	if got := chunkInterval([]byte("webm"), 16000, 1); got != 0 {
		t.Fatalf("chunkInterval(non-wav) = %v, want 0", got)
	}
	if got := chunkInterval(wav, 16000, 0); got != 0 {
		t.Fatalf("chunkInterval(unpaced) = %v, want 0", got)
	}
}

func TestResultURL(t *testing.T) {
	got, err := resultURL("wss://stt.example.com/v1/stream?x=1", "20260101T000000Z-000001")
	if err != nil {
		t.Fatalf("resultURL() error = %v", err)
	}
	want := "https://stt.example.com/v1/sessions/20260101T000000Z-000001/result"
	if got != want {
		t.Fatalf("resultURL() = %q, want %q", got, want)
	}
	if _, err := resultURL("ftp://host/", "id"); err == nil {
		t.Fatalf("resultURL(ftp) expected error")
	}
}

func TestParseFlagsRequiresFile(t *testing.T) {
	if _, err := parseFlags([]string{"-url", "ws://127.0.0.1:8000/"}); err == nil {
		t.Fatalf("parseFlags() without -file expected error")
	}
	cfg, err := parseFlags([]string{"-file", "a.webm", "-chunk-bytes", "10"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.chunkBytes != 10 || cfg.url != "ws://127.0.0.1:8000/v1/stream" {
		t.Fatalf("parseFlags() = %+v", cfg)
	}
}

func TestRunStreamsFileAndPrintsResult(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var received bytes.Buffer
		_ = conn.WriteJSON(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: "s1", Variant: "diarization"})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				received.Write(data)
				continue
			}
			got <- received.String()
			_ = conn.WriteJSON(protocol.SessionResult{
				Type:      protocol.TypeSessionResult,
				SessionID: "s1",
				State:     "done",
				Text:      "hello world",
				Bytes:     received.Len(),
			})
			return
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "rec.webm")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var out bytes.Buffer
	err := run(options{
		url:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		file:       path,
		chunkBytes: 4,
		timeout:    5 * time.Second,
	}, &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if r := <-got; r != "0123456789" {
		t.Fatalf("server received %q, want the whole file", r)
	}

	var result protocol.SessionResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if result.State != "done" || result.Text != "hello world" || result.Bytes != 10 {
		t.Fatalf("result = %+v", result)
	}
}
