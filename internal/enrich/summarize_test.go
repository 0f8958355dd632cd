package enrich

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/stage"
)

func newTestSummarizer(t *testing.T, url string) *Summarizer {
	t.Helper()
	s, err := NewSummarizer(SummarizerConfig{APIKey: "sk-test", BaseURL: url, Timeout: 5 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}
	return s
}

func TestSummarizerSendsPromptAndReturnsRawText(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Agent: hi\nIntent: refund"}}]}`))
	}))
	defer srv.Close()

	s := newTestSummarizer(t, srv.URL)
	res, err := s.Enrich(context.Background(), Input{Transcript: "hello I want a refund"})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if res.Variant != VariantSummarization || res.Summary == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Summary.RawText != "Agent: hi\nIntent: refund" {
		t.Fatalf("RawText = %q", res.Summary.RawText)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", auth)
	}
	if got.Model != defaultOpenAIModel || len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Fatalf("request = %+v", got)
	}
	prompt := got.Messages[0].Content
	for _, want := range []string{"Intent:", "Sentiment:", "'Customer'", "hello I want a refund"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestSummarizerHTTPErrorIsRemoteEnrichmentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestSummarizer(t, srv.URL).Enrich(context.Background(), Input{Transcript: "hi"})
	se, ok := stage.As(err)
	if !ok || se.Kind != stage.KindRemoteEnrichment || se.Stage != stage.Enrichment {
		t.Fatalf("error = %v, want enrichment/RemoteEnrichmentFailure", err)
	}
	if !strings.Contains(err.Error(), "Incorrect API key") {
		t.Fatalf("error does not carry cause: %v", err)
	}
}

func TestSummarizerMalformedResponseIsFailure(t *testing.T) {
	for _, body := range []string{`{"choices":[]}`, `not json`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		_, err := newTestSummarizer(t, srv.URL).Enrich(context.Background(), Input{Transcript: "hi"})
		srv.Close()
		if stage.KindOf(err) != stage.KindRemoteEnrichment {
			t.Fatalf("body %q: error = %v, want RemoteEnrichmentFailure", body, err)
		}
	}
}

func TestSummarizerNetworkErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestSummarizer(t, url).Enrich(context.Background(), Input{Transcript: "hi"})
	if stage.KindOf(err) != stage.KindRemoteEnrichment {
		t.Fatalf("error = %v, want RemoteEnrichmentFailure", err)
	}
}

func TestSummarizerCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestSummarizer(t, srv.URL).Enrich(ctx, Input{Transcript: "hi"})
	if stage.KindOf(err) != stage.KindRemoteEnrichment {
		t.Fatalf("error = %v, want RemoteEnrichmentFailure", err)
	}
}

func TestSummarizerSkipsEmptyTranscript(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	res, err := newTestSummarizer(t, srv.URL).Enrich(context.Background(), Input{Transcript: "  "})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if res.Summary == nil || res.Summary.RawText != "" {
		t.Fatalf("summary = %+v, want empty", res.Summary)
	}
	if calls.Load() != 0 {
		t.Fatalf("remote calls = %d, want 0", calls.Load())
	}
}

func TestNewSummarizerRequiresKey(t *testing.T) {
	if _, err := NewSummarizer(SummarizerConfig{}, zerolog.Nop()); err == nil {
		t.Fatalf("NewSummarizer() expected error without key")
	}
}

func TestNewSelectsVariant(t *testing.T) {
	e, err := New(Config{Mode: "summarization", Summary: SummarizerConfig{APIKey: "k"}}, zerolog.Nop())
	if err != nil || e.Variant() != VariantSummarization {
		t.Fatalf("New(summarization) = %v, %v", e, err)
	}
	e, err = New(Config{Mode: "diarization"}, zerolog.Nop())
	if err != nil || e.Variant() != VariantDiarization {
		t.Fatalf("New(diarization) = %v, %v", e, err)
	}
	if _, err := New(Config{Mode: "translation"}, zerolog.Nop()); err == nil {
		t.Fatalf("New(translation) expected error")
	}
}
