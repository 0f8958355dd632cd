// Package session owns the lifecycle of one streamed recording: collection,
// the staged pipeline that follows it, and the manager that keeps sessions
// independent of each other and of the transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/convert"
	"github.com/shivuat/vzstt/internal/dispatch"
	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/protocol"
	"github.com/shivuat/vzstt/internal/stage"
)

var ErrNotFound = errors.New("session not found")

// Scheduler runs a session's pipeline off the connection goroutine.
type Scheduler interface {
	Submit(name string, job func(ctx context.Context)) error
}

type ManagerConfig struct {
	WorkDir string
	// Retention is how long terminal sessions stay queryable.
	Retention time.Duration
}

type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	seq       atomic.Uint64
	workDir   string
	retention time.Duration
	onExpire  func(Snapshot)

	pipeline  *Pipeline
	scheduler Scheduler
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewManager(cfg ManagerConfig, pipeline *Pipeline, scheduler Scheduler, metrics *observability.Metrics, log zerolog.Logger) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		workDir:   cfg.WorkDir,
		retention: cfg.Retention,
		pipeline:  pipeline,
		scheduler: scheduler,
		metrics:   metrics,
		log:       log.With().Str("component", "session").Logger(),
	}
}

func (m *Manager) SetExpireHook(hook func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open starts a COLLECTING session for a newly accepted connection.
func (m *Manager) Open() *Session {
	id := m.newID()
	s := newSession(id, convert.Artifacts{
		RawPath: filepath.Join(m.workDir, id+".webm"),
		PCMPath: filepath.Join(m.workDir, id+".wav"),
	})
	s.onTerminal = m.terminal

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	m.log.Info().Str("session_id", id).Msg("session opened")
	return s
}

// newID combines a UTC timestamp with a process-wide counter so sessions
// opened in the same second never share artifact names.
func (m *Manager) newID() string {
	n := m.seq.Add(1)
	return fmt.Sprintf("%s-%06d", time.Now().UTC().Format("20060102T150405Z"), n)
}

// Finish ends collection for s. With no bytes collected the session becomes
// EMPTY and no stage runs; otherwise its pipeline is scheduled and Finish
// returns without waiting for it.
func (m *Manager) Finish(s *Session) (State, error) {
	raw, next, err := s.endCollecting()
	if err != nil {
		return next, err
	}
	log := m.log.With().Str("session_id", s.ID).Logger()
	if m.metrics != nil {
		m.metrics.RecordingBytes.Observe(float64(len(raw)))
	}

	if next == StateEmpty {
		log.Info().Msg("no audio received, session empty")
		m.reportEmpty(s)
		return StateEmpty, nil
	}

	log.Info().Int("frames", s.frames.Len()).Int("bytes", len(raw)).Msg("collection finished")
	err = m.scheduler.Submit(s.ID, func(ctx context.Context) {
		m.pipeline.Process(ctx, s, raw)
	})
	if err != nil {
		m.pipeline.fail(context.Background(), s, stage.Fail(stage.Collecting, stage.KindInternal, fmt.Errorf("schedule pipeline: %w", err)), log)
		return StateFailed, err
	}
	return StateConverting, nil
}

func (m *Manager) reportEmpty(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.pipeline.timeouts.Dispatch)
	defer cancel()
	err := m.pipeline.sink.Dispatch(ctx, dispatch.Outcome{
		SessionID: s.ID,
		State:     string(StateEmpty),
		Message: protocol.SessionResult{
			Type:      protocol.TypeSessionResult,
			SessionID: s.ID,
			State:     string(StateEmpty),
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", s.ID).Msg("record empty session")
	}
}

func (m *Manager) terminal(s *Session, st State) {
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
		m.metrics.ObserveOutcome(string(st))
	}
}

func (m *Manager) Get(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.Snapshot(), nil
}

// ActiveCount is the number of sessions not yet terminal.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) CountByState() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[State]int)
	for _, s := range m.sessions {
		out[s.State()]++
	}
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireTerminal(time.Now().UTC())
			}
		}
	}()
}

// expireTerminal forgets terminal sessions older than the retention window.
// Their outcomes remain in the outbox.
func (m *Manager) expireTerminal(now time.Time) {
	var expired []Snapshot

	m.mu.Lock()
	for id, s := range m.sessions {
		snap := s.Snapshot()
		if !snap.State.Terminal() || snap.EndedAt == nil {
			continue
		}
		if now.Sub(*snap.EndedAt) < m.retention {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, snap)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, snap := range expired {
			hook(snap)
		}
	}
}
