package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/convert"
	"github.com/shivuat/vzstt/internal/dispatch"
	"github.com/shivuat/vzstt/internal/enrich"
	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/protocol"
	"github.com/shivuat/vzstt/internal/stage"
	"github.com/shivuat/vzstt/internal/transcribe"
)

type Converter interface {
	Convert(ctx context.Context, raw []byte, art convert.Artifacts, timeout time.Duration) (audio.PCM, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm audio.PCM) (transcribe.Result, error)
}

type Sink interface {
	Dispatch(ctx context.Context, o dispatch.Outcome) error
}

// Timeouts bound each stage. Zero means the stage's own default.
type Timeouts struct {
	Convert    time.Duration
	Transcribe time.Duration
	Enrich     time.Duration
	Dispatch   time.Duration
}

type PipelineConfig struct {
	Timeouts      Timeouts
	KeepArtifacts bool
}

// Pipeline runs the stages after collection for one session at a time.
// A Pipeline is shared by all sessions; it holds no per-session state.
type Pipeline struct {
	converter   Converter
	transcriber Transcriber
	enricher    enrich.Enricher
	sink        Sink
	timeouts    Timeouts
	keep        bool
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewPipeline(cfg PipelineConfig, conv Converter, stt Transcriber, enr enrich.Enricher, sink Sink, metrics *observability.Metrics, log zerolog.Logger) *Pipeline {
	if cfg.Timeouts.Dispatch <= 0 {
		cfg.Timeouts.Dispatch = 30 * time.Second
	}
	return &Pipeline{
		converter:   conv,
		transcriber: stt,
		enricher:    enr,
		sink:        sink,
		timeouts:    cfg.Timeouts,
		keep:        cfg.KeepArtifacts,
		metrics:     metrics,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// Process drives s from CONVERTING to a terminal state. Stage failures end
// in FAILED and are reported; they are never returned or re-panicked.
func (p *Pipeline) Process(ctx context.Context, s *Session, raw []byte) State {
	log := p.log.With().Str("session_id", s.ID).Logger()
	start := time.Now()
	defer func() {
		if p.keep {
			return
		}
		if err := s.Artifacts().Remove(); err != nil {
			log.Warn().Err(err).Msg("remove session artifacts")
		}
	}()

	if st := s.State(); st != StateConverting {
		log.Error().Str("state", string(st)).Msg("process called outside converting")
		return st
	}

	var pcm audio.PCM
	err := p.runStage(ctx, s, stage.Conversion, stage.KindTranscodeFailure, 0, func(ctx context.Context) error {
		var err error
		pcm, err = p.converter.Convert(ctx, raw, s.Artifacts(), p.timeouts.Convert)
		return err
	})
	if err != nil {
		return p.fail(ctx, s, asStageError(err, stage.Conversion, stage.KindTranscodeFailure), log)
	}
	if err := s.transition(StateTranscribing); err != nil {
		return p.fail(ctx, s, stage.Fail(stage.Conversion, stage.KindInternal, err), log)
	}

	var text transcribe.Result
	err = p.runStage(ctx, s, stage.Transcription, stage.KindTranscriptionFailure, p.timeouts.Transcribe, func(ctx context.Context) error {
		var err error
		text, err = p.transcriber.Transcribe(ctx, pcm)
		return err
	})
	if err == nil {
		err = s.setTranscript(text)
	}
	if err != nil {
		return p.fail(ctx, s, asStageError(err, stage.Transcription, stage.KindTranscriptionFailure), log)
	}
	if err := s.transition(StateEnriching); err != nil {
		return p.fail(ctx, s, stage.Fail(stage.Transcription, stage.KindInternal, err), log)
	}

	var res enrich.Result
	err = p.runStage(ctx, s, stage.Enrichment, stage.KindInternal, p.timeouts.Enrich, func(ctx context.Context) error {
		var err error
		res, err = p.enricher.Enrich(ctx, enrich.Input{Transcript: text.Text, PCM: pcm})
		return err
	})
	if err == nil {
		err = s.setEnrichment(res)
	}
	if err != nil {
		return p.fail(ctx, s, asStageError(err, stage.Enrichment, stage.KindInternal), log)
	}
	if err := s.transition(StateDispatching); err != nil {
		return p.fail(ctx, s, stage.Fail(stage.Enrichment, stage.KindInternal, err), log)
	}

	outcome := dispatch.Outcome{SessionID: s.ID, State: string(StateDone), Message: resultMessage(s, StateDone)}
	err = p.runStage(ctx, s, stage.Dispatch, stage.KindDispatchFailure, p.timeouts.Dispatch, func(ctx context.Context) error {
		return p.sink.Dispatch(ctx, outcome)
	})
	if err != nil {
		return p.fail(ctx, s, asStageError(err, stage.Dispatch, stage.KindDispatchFailure), log)
	}
	if err := s.transition(StateDone); err != nil {
		log.Error().Err(err).Msg("finish session")
		return s.State()
	}

	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveStage("session_total", elapsed)
	}
	log.Info().
		Dur("elapsed", elapsed).
		Int("chars", len(text.Text)).
		Str("variant", string(res.Variant)).
		Int("turns", len(res.Turns)).
		Msg("session done")
	return StateDone
}

// runStage runs fn under an optional timeout, recovering panics into a
// stage error tagged name.
func (p *Pipeline) runStage(ctx context.Context, s *Session, name stage.Name, kind stage.Kind, timeout time.Duration, fn func(context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("session_id", s.ID).
				Str("stage", string(name)).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("stage panicked")
			err = stage.Fail(name, stage.KindInternal, fmt.Errorf("panic: %v", r))
		}
		d := time.Since(start)
		s.recordDuration(name, d)
		if err == nil && p.metrics != nil {
			p.metrics.ObserveStage(string(name), d)
		}
	}()
	if err := fn(ctx); err != nil {
		return asStageError(err, name, kind)
	}
	return nil
}

// asStageError keeps an existing stage error and wraps anything else as
// kind under name.
func asStageError(err error, name stage.Name, kind stage.Kind) *stage.Error {
	if se, ok := stage.As(err); ok {
		return se
	}
	return stage.Fail(name, kind, err)
}

// fail moves s to FAILED, records the failure and reports it to the sink.
func (p *Pipeline) fail(ctx context.Context, s *Session, err *stage.Error, log zerolog.Logger) State {
	if tErr := s.fail(err); tErr != nil {
		log.Error().Err(tErr).Msg("record failure")
		return s.State()
	}
	if p.metrics != nil {
		p.metrics.ObserveStageFailure(string(err.Stage), string(err.Kind))
	}
	ev := log.Error().
		Str("stage", string(err.Stage)).
		Str("kind", string(err.Kind)).
		Err(err.Err)
	if err.Detail != "" {
		ev = ev.Str("detail", err.Detail)
	}
	ev.Msg("session failed")

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeouts.Dispatch)
	defer cancel()
	outcome := dispatch.Outcome{SessionID: s.ID, State: string(StateFailed), Message: errorMessage(s.ID, err)}
	if rErr := p.sink.Dispatch(reportCtx, outcome); rErr != nil && !errors.Is(rErr, context.Canceled) {
		log.Error().Err(rErr).Msg("report failure")
	}
	return StateFailed
}

func resultMessage(s *Session, st State) protocol.SessionResult {
	snap := s.Snapshot()
	msg := protocol.SessionResult{
		Type:      protocol.TypeSessionResult,
		SessionID: s.ID,
		State:     string(st),
		Frames:    snap.Frames,
		Bytes:     snap.Bytes,
	}
	if snap.Transcript != nil {
		msg.Text = *snap.Transcript
	}
	if e := snap.Enrichment; e != nil {
		msg.Variant = string(e.Variant)
		if e.Summary != nil {
			summary := e.Summary.RawText
			msg.Summary = &summary
		}
		if e.Variant == enrich.VariantDiarization {
			msg.Turns = make([]protocol.SpeakerTurn, 0, len(e.Turns))
			for _, t := range e.Turns {
				msg.Turns = append(msg.Turns, protocol.SpeakerTurn{Start: t.Start, End: t.End, Speaker: t.Speaker})
			}
		}
	}
	return msg
}

func errorMessage(id string, err *stage.Error) protocol.SessionError {
	detail := err.Detail
	if detail == "" && err.Err != nil {
		detail = err.Err.Error()
	}
	return protocol.SessionError{
		Type:      protocol.TypeSessionError,
		SessionID: id,
		State:     string(StateFailed),
		Stage:     string(err.Stage),
		Kind:      string(err.Kind),
		Detail:    detail,
	}
}
