package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/config"
	"github.com/shivuat/vzstt/internal/convert"
	"github.com/shivuat/vzstt/internal/dispatch"
	"github.com/shivuat/vzstt/internal/enrich"
	"github.com/shivuat/vzstt/internal/modelhandle"
	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/outbox"
	"github.com/shivuat/vzstt/internal/protocol"
	"github.com/shivuat/vzstt/internal/session"
	"github.com/shivuat/vzstt/internal/transcribe"
	"github.com/shivuat/vzstt/internal/worker"
)

// wavConverter stands in for ffmpeg: it keeps the raw bytes and writes one
// second of silence as the converted recording.
type wavConverter struct{}

func (wavConverter) Convert(_ context.Context, raw []byte, art convert.Artifacts, _ time.Duration) (audio.PCM, error) {
	if err := os.WriteFile(art.RawPath, raw, 0o600); err != nil {
		return audio.PCM{}, err
	}
	samples := make([]byte, 16000*2)
	if err := audio.WriteWAVPCM16LEFile(art.PCMPath, samples, 16000); err != nil {
		return audio.PCM{}, err
	}
	return audio.PCM{
		Path:        art.PCMPath,
		SampleBytes: len(samples),
		Format:      audio.WAVFormat{AudioFormat: 1, Channels: 1, SampleRate: 16000, BitsPerSample: 16},
	}, nil
}

// heldScheduler accepts jobs and never runs them, leaving sessions mid-pipeline.
type heldScheduler struct {
	mu   sync.Mutex
	jobs int
}

func (h *heldScheduler) Submit(string, func(context.Context)) error {
	h.mu.Lock()
	h.jobs++
	h.mu.Unlock()
	return nil
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Manager
	store    outbox.Store
	workDir  string
}

func newTestEnv(t *testing.T, sched session.Scheduler, replyTimeout time.Duration) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	store := outbox.NewInMemoryStore()
	live := dispatch.NewLive()
	sink := dispatch.New(dispatch.Config{}, store, live, nil, metrics, log)

	stt := transcribe.NewStage(modelhandle.Ready[transcribe.Engine](transcribe.Static("hello world")), time.Second, log)
	pipeline := session.NewPipeline(session.PipelineConfig{}, wavConverter{}, stt, enrich.Mock{}, sink, metrics, log)

	if sched == nil {
		pool := worker.New(4, log)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pool.Drain(ctx)
		})
		sched = pool
	}
	workDir := t.TempDir()
	sessions := session.NewManager(session.ManagerConfig{WorkDir: workDir}, pipeline, sched, metrics, log)

	cfg := config.Config{ReplyTimeout: replyTimeout}
	srv := New(cfg, sessions, live, sink, metrics, string(enrich.VariantDiarization), log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, sessions: sessions, store: store, workDir: workDir}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func started(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var msg protocol.SessionStarted
	readJSON(t, conn, &msg)
	if msg.Type != protocol.TypeSessionStarted || msg.SessionID == "" {
		t.Fatalf("first message = %+v, want session_started with id", msg)
	}
	if msg.Variant != "diarization" {
		t.Fatalf("variant = %q, want diarization", msg.Variant)
	}
	return msg.SessionID
}

func sendEnd(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`)); err != nil {
		t.Fatalf("write end: %v", err)
	}
}

func waitResult(t *testing.T, e *testEnv, id string) protocol.SessionResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(e.ts.URL + "/v1/sessions/" + id + "/result")
		if err != nil {
			t.Fatalf("GET result error = %v", err)
		}
		if res.StatusCode == http.StatusOK {
			var out protocol.SessionResult
			err := json.NewDecoder(res.Body).Decode(&out)
			res.Body.Close()
			if err != nil {
				t.Fatalf("decode result: %v", err)
			}
			return out
		}
		res.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no result for session %s", id)
	return protocol.SessionResult{}
}

func TestStreamRepliesOnSameConnection(t *testing.T) {
	e := newTestEnv(t, nil, 5*time.Second)
	conn := e.dial(t)
	id := started(t, conn)

	frames := [][]byte{[]byte("RIFF...."), []byte("...more...")}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	sendEnd(t, conn)

	var result protocol.SessionResult
	readJSON(t, conn, &result)
	if result.Type != protocol.TypeSessionResult {
		t.Fatalf("type = %q, want %q", result.Type, protocol.TypeSessionResult)
	}
	if result.SessionID != id || result.State != "done" {
		t.Fatalf("result = %+v, want done for %s", result, id)
	}
	if result.Text != "hello world" {
		t.Fatalf("text = %q, want %q", result.Text, "hello world")
	}
	if len(result.Turns) != 1 || result.Turns[0].Speaker != "SPEAKER_00" {
		t.Fatalf("turns = %+v, want one SPEAKER_00 turn", result.Turns)
	}
	if result.Frames != 2 || result.Bytes != len(frames[0])+len(frames[1]) {
		t.Fatalf("frames/bytes = %d/%d, want 2/%d", result.Frames, result.Bytes, len(frames[0])+len(frames[1]))
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("after result err = %v, want normal close", err)
	}

	stored := waitResult(t, e, id)
	if stored.State != "done" || stored.Text != "hello world" {
		t.Fatalf("outbox result = %+v, want done hello world", stored)
	}
}

func TestStreamDisconnectWithoutFramesIsEmpty(t *testing.T) {
	e := newTestEnv(t, nil, 5*time.Second)
	conn := e.dial(t)
	id := started(t, conn)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	got := waitResult(t, e, id)
	if got.State != "empty" {
		t.Fatalf("state = %q, want empty", got.State)
	}
	snap, err := e.sessions.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.State != session.StateEmpty {
		t.Fatalf("session state = %q, want empty", snap.State)
	}
	entries, err := os.ReadDir(e.workDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("artifacts = %d, want none for an empty session", len(entries))
	}
}

func TestStreamDisconnectAfterFramesStillProcesses(t *testing.T) {
	e := newTestEnv(t, nil, 5*time.Second)
	conn := e.dial(t)
	id := started(t, conn)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("webm-bytes")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_ = conn.Close()

	got := waitResult(t, e, id)
	if got.State != "done" || got.Text != "hello world" {
		t.Fatalf("result = %+v, want done hello world", got)
	}
}

func TestStreamRejectsUnknownControlMessage(t *testing.T) {
	e := newTestEnv(t, nil, 5*time.Second)
	conn := e.dial(t)
	id := started(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pause"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var perr protocol.ProtocolError
	readJSON(t, conn, &perr)
	if perr.Type != protocol.TypeProtocolError || perr.Code != "invalid_client_message" || perr.SessionID != id {
		t.Fatalf("protocol error = %+v", perr)
	}

	// The session keeps collecting.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("audio")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	sendEnd(t, conn)
	var result protocol.SessionResult
	readJSON(t, conn, &result)
	if result.State != "done" || result.Bytes != len("audio") {
		t.Fatalf("result = %+v, want done with 5 bytes", result)
	}
}

func TestResultPendingWhileSessionRuns(t *testing.T) {
	sched := &heldScheduler{}
	e := newTestEnv(t, sched, 100*time.Millisecond)
	conn := e.dial(t)
	id := started(t, conn)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("audio")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	sendEnd(t, conn)

	// No reply arrives before the reply timeout; the server closes normally.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage() err = %v, want normal close", err)
	}

	res, err := http.Get(e.ts.URL + "/v1/sessions/" + id + "/result")
	if err != nil {
		t.Fatalf("GET result error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != string(session.StateConverting) {
		t.Fatalf("state = %v, want converting", body["state"])
	}
}

func TestSessionEndpointsNotFound(t *testing.T) {
	e := newTestEnv(t, nil, time.Second)
	for _, path := range []string{"/v1/sessions/nope", "/v1/sessions/nope/result"} {
		res, err := http.Get(e.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusNotFound)
		}
	}
}

func TestDrainingRefusesNewStreams(t *testing.T) {
	e := newTestEnv(t, nil, time.Second)

	res, err := http.Get(e.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	e.srv.SetDraining(true)

	res, err = http.Get(e.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining ready status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("Dial() succeeded while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Dial() response = %+v, want 503", resp)
	}
}

func TestCloseStreamsEndsCollectingStreams(t *testing.T) {
	e := newTestEnv(t, nil, 5*time.Second)
	conn := e.dial(t)
	id := started(t, conn)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("partial")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	// Make sure the frame landed before draining.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := e.sessions.Get(id)
		if err == nil && snap.Bytes == len("partial") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.srv.SetDraining(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.srv.CloseStreams(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CloseStreams() error = %v, want deadline exceeded", err)
	}
	if n := e.srv.openStreams(); n != 0 {
		t.Fatalf("open streams = %d, want 0", n)
	}

	got := waitResult(t, e, id)
	if got.State != "done" || got.Bytes != len("partial") {
		t.Fatalf("result = %+v, want done with partial bytes", got)
	}
}

func TestStageStats(t *testing.T) {
	e := newTestEnv(t, nil, 5*time.Second)
	conn := e.dial(t)
	started(t, conn)
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte("audio"))
	sendEnd(t, conn)
	var result protocol.SessionResult
	readJSON(t, conn, &result)

	res, err := http.Get(e.ts.URL + "/v1/stats/stages")
	if err != nil {
		t.Fatalf("GET stats error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Stages) == 0 {
		t.Fatalf("stages = %+v, want observations", snap.Stages)
	}
}
