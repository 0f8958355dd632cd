package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/config"
	"github.com/shivuat/vzstt/internal/dispatch"
	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/outbox"
	"github.com/shivuat/vzstt/internal/session"
)

// ResultReader returns the stored outcome of a terminal session.
type ResultReader interface {
	Result(ctx context.Context, sessionID string) (outbox.Record, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	live     *dispatch.Live
	results  ResultReader
	metrics  *observability.Metrics
	variant  string
	log      zerolog.Logger
	upgrader websocket.Upgrader

	draining atomic.Bool

	streamsMu sync.Mutex
	streams   map[*stream]struct{}
	streamsWG sync.WaitGroup
}

// New wires the transport. variant names the enrichment every session gets
// and is echoed in session_started.
func New(cfg config.Config, sessions *session.Manager, live *dispatch.Live, results ResultReader, metrics *observability.Metrics, variant string, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		live:     live,
		results:  results,
		metrics:  metrics,
		variant:  variant,
		log:      log.With().Str("component", "httpapi").Logger(),
		streams:  make(map[*stream]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Existing clients connect to the bare root.
	r.Get("/", s.handleStream)
	r.Get("/v1/stream", s.handleStream)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/result", s.handleGetResult)
	r.Get("/v1/stats/stages", s.handleStageStats)

	return r
}

// SetDraining flips readiness and makes the stream endpoint refuse new
// connections.
func (s *Server) SetDraining(v bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	s.draining.Store(v)
}

func (s *Server) Draining() bool {
	return s.draining.Load()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.Draining() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "draining",
		})
		return
	}
	counts := make(map[string]int)
	for st, n := range s.sessions.CountByState() {
		counts[string(st)] = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"open_streams":    s.openStreams(),
		"sessions":        counts,
		"enrichment":      s.variant,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	snap, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleGetResult serves the outbox record of a terminal session. A session
// that is still running answers 202 with its current state.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.results == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "result store not configured")
		return
	}
	rec, err := s.results.Result(r.Context(), id)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rec.Payload)
		return
	case !errors.Is(err, outbox.ErrNotFound):
		s.log.Error().Err(err).Str("session_id", id).Msg("read outbox")
		respondError(w, http.StatusInternalServerError, "outbox_unavailable", err.Error())
		return
	}

	snap, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no result for session")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"session_id": snap.ID,
		"state":      snap.State,
	})
}

func (s *Server) handleStageStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) track(st *stream) bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.Draining() {
		return false
	}
	s.streams[st] = struct{}{}
	s.streamsWG.Add(1)
	return true
}

func (s *Server) untrack(st *stream) {
	s.streamsMu.Lock()
	delete(s.streams, st)
	s.streamsMu.Unlock()
	s.streamsWG.Done()
}

func (s *Server) openStreams() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}

// CloseStreams waits for open streams to finish on their own. When ctx
// expires first, streams still collecting are ended as if the client had
// disconnected and streams awaiting a reply stop waiting; their outcomes
// stay in the outbox. It returns once every stream handler has returned.
func (s *Server) CloseStreams(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.streamsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.streamsMu.Lock()
	n := len(s.streams)
	for st := range s.streams {
		st.abort()
	}
	s.streamsMu.Unlock()
	s.log.Warn().Int("streams", n).Msg("drain deadline reached, closing open streams")

	<-done
	return ctx.Err()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeWait bounds every websocket write.
const writeWait = 10 * time.Second
