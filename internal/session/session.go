package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/convert"
	"github.com/shivuat/vzstt/internal/enrich"
	"github.com/shivuat/vzstt/internal/stage"
	"github.com/shivuat/vzstt/internal/transcribe"
)

type State string

const (
	StateCollecting   State = "collecting"
	StateConverting   State = "converting"
	StateTranscribing State = "transcribing"
	StateEnriching    State = "enriching"
	StateDispatching  State = "dispatching"
	StateDone         State = "done"
	StateFailed       State = "failed"
	StateEmpty        State = "empty"
)

// Terminal states are inert: no further transitions, artifacts released.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateEmpty
}

var transitions = map[State][]State{
	StateCollecting:   {StateConverting, StateEmpty},
	StateConverting:   {StateTranscribing, StateFailed},
	StateTranscribing: {StateEnriching, StateFailed},
	StateEnriching:    {StateDispatching, StateFailed},
	StateDispatching:  {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNotCollecting     = errors.New("session is no longer collecting frames")
	ErrAlreadySet        = errors.New("stage output already recorded")
)

// Failure describes why a session reached FAILED.
type Failure struct {
	Stage   stage.Name `json:"stage"`
	Kind    stage.Kind `json:"kind"`
	Detail  string     `json:"detail,omitempty"`
	Message string     `json:"message"`
}

// Session is one client's recording from the first frame to a terminal
// state. Its frames, artifacts and stage outputs belong to it alone.
type Session struct {
	ID string

	mu         sync.Mutex
	state      State
	frames     *audio.FrameBuffer
	artifacts  convert.Artifacts
	transcript *transcribe.Result
	enrichment *enrich.Result
	failure    *Failure
	durations  map[stage.Name]time.Duration
	startedAt  time.Time
	updatedAt  time.Time
	endedAt    time.Time
	onTerminal func(*Session, State)
}

func newSession(id string, art convert.Artifacts) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		state:     StateCollecting,
		frames:    audio.NewFrameBuffer(),
		artifacts: art,
		durations: make(map[stage.Name]time.Duration),
		startedAt: now,
		updatedAt: now,
	}
}

// Append adds one frame in arrival order.
func (s *Session) Append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollecting {
		return ErrNotCollecting
	}
	s.frames.Append(chunk)
	s.updatedAt = time.Now().UTC()
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Artifacts() convert.Artifacts {
	return s.artifacts
}

// endCollecting freezes the frames and moves to CONVERTING, or to EMPTY when
// no bytes arrived. It returns the recording.
func (s *Session) endCollecting() ([]byte, State, error) {
	s.mu.Lock()
	if s.state != StateCollecting {
		st := s.state
		s.mu.Unlock()
		return nil, st, fmt.Errorf("%w: %s -> converting", ErrInvalidTransition, st)
	}
	raw := s.frames.Finalize()
	s.mu.Unlock()

	next := StateConverting
	if len(raw) == 0 {
		next = StateEmpty
	}
	if err := s.transition(next); err != nil {
		return nil, s.State(), err
	}
	return raw, next, nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now().UTC()
	s.state = to
	s.updatedAt = now
	if to.Terminal() {
		s.endedAt = now
		s.frames.Release()
	}
	hook := s.onTerminal
	s.mu.Unlock()

	if to.Terminal() && hook != nil {
		hook(s, to)
	}
	return nil
}

// fail records err and moves the session to FAILED.
func (s *Session) fail(err *stage.Error) error {
	s.mu.Lock()
	s.failure = &Failure{
		Stage:   err.Stage,
		Kind:    err.Kind,
		Detail:  err.Detail,
		Message: err.Error(),
	}
	s.mu.Unlock()
	return s.transition(StateFailed)
}

func (s *Session) setTranscript(r transcribe.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript != nil {
		return ErrAlreadySet
	}
	s.transcript = &r
	return nil
}

func (s *Session) setEnrichment(r enrich.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrichment != nil {
		return ErrAlreadySet
	}
	s.enrichment = &r
	return nil
}

func (s *Session) recordDuration(name stage.Name, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations[name] = d
}

// Transcript returns the recorded transcript, if the stage has run.
func (s *Session) Transcript() (transcribe.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		return transcribe.Result{}, false
	}
	return *s.transcript, true
}

// Enrichment returns the recorded enrichment, if the stage has run.
func (s *Session) Enrichment() (enrich.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrichment == nil {
		return enrich.Result{}, false
	}
	return *s.enrichment, true
}

func (s *Session) Failure() (Failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return Failure{}, false
	}
	return *s.failure, true
}

// Snapshot is a point-in-time copy for status reporting.
type Snapshot struct {
	ID               string           `json:"session_id"`
	State            State            `json:"state"`
	Frames           int              `json:"frames"`
	Bytes            int              `json:"bytes"`
	StartedAt        time.Time        `json:"started_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
	Transcript       *string          `json:"transcript,omitempty"`
	Enrichment       *enrich.Result   `json:"enrichment,omitempty"`
	Failure          *Failure         `json:"failure,omitempty"`
	StageDurationsMS map[string]int64 `json:"stage_durations_ms,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.ID,
		State:     s.state,
		Frames:    s.frames.Len(),
		Bytes:     s.frames.Size(),
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	if s.transcript != nil {
		text := s.transcript.Text
		snap.Transcript = &text
	}
	if s.enrichment != nil {
		e := *s.enrichment
		e.Turns = append([]enrich.SpeakerTurn(nil), e.Turns...)
		snap.Enrichment = &e
	}
	if s.failure != nil {
		f := *s.failure
		snap.Failure = &f
	}
	if len(s.durations) > 0 {
		snap.StageDurationsMS = make(map[string]int64, len(s.durations))
		for name, d := range s.durations {
			snap.StageDurationsMS[string(name)] = d.Milliseconds()
		}
	}
	return snap
}
