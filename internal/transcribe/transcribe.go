// Package transcribe runs speech recognition over a converted recording.
// The recognition model is loaded once per process and shared by every
// session through a modelhandle.Handle.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/modelhandle"
	"github.com/shivuat/vzstt/internal/stage"
)

// Engine recognizes the full recording. Implementations must be safe for
// concurrent use.
type Engine interface {
	Transcribe(ctx context.Context, pcm audio.PCM) (string, error)
}

// Result of the transcription stage. Empty Text is a valid outcome.
type Result struct {
	Text string `json:"text"`
}

type Config struct {
	// Provider is auto, server, cli or mock.
	Provider   string
	CLI        string
	Server     string
	ModelPath  string
	Language   string
	Threads    int
	MockText   string
	Timeout    time.Duration
	ServerWait time.Duration
}

// Stage is the transcription step of the session pipeline.
type Stage struct {
	model   *modelhandle.Handle[Engine]
	timeout time.Duration
	log     zerolog.Logger
}

func NewStage(model *modelhandle.Handle[Engine], timeout time.Duration, log zerolog.Logger) *Stage {
	return &Stage{
		model:   model,
		timeout: timeout,
		log:     log.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe returns the recognized text for pcm. Any engine or model-load
// error is reported as a TranscriptionFailure.
func (s *Stage) Transcribe(ctx context.Context, pcm audio.PCM) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	engine, err := s.model.Get(ctx)
	if err != nil {
		return Result{}, stage.Fail(stage.Transcription, stage.KindTranscriptionFailure, fmt.Errorf("load model: %w", err))
	}
	start := time.Now()
	text, err := engine.Transcribe(ctx, pcm)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("transcription exceeded %s: %w", s.timeout, err)
		}
		return Result{}, stage.Fail(stage.Transcription, stage.KindTranscriptionFailure, err)
	}
	s.log.Info().Dur("elapsed", time.Since(start)).Int("chars", len(text)).Msg("transcribed recording")
	return Result{Text: text}, nil
}

// Close releases the shared model.
func (s *Stage) Close() error {
	return s.model.Close()
}

// NewModel returns the lazily loaded shared engine selected by cfg.Provider.
// For auto, a resident whisper-server is preferred and whisper-cli is the
// fallback.
func NewModel(cfg Config, log zerolog.Logger) (*modelhandle.Handle[Engine], error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}
	cfg.Threads = pickThreads(cfg.Threads)
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en"
	}

	switch provider {
	case "mock":
		return modelhandle.Ready[Engine](Static(cfg.MockText)), nil
	case "server":
		return modelhandle.New(func(ctx context.Context) (Engine, error) {
			return startWhisperServer(ctx, cfg, log)
		}), nil
	case "cli":
		return modelhandle.New(func(context.Context) (Engine, error) {
			return newWhisperCLI(cfg)
		}), nil
	case "auto":
		return modelhandle.New(func(ctx context.Context) (Engine, error) {
			if _, err := exec.LookPath(orDefault(cfg.Server, "whisper-server")); err == nil {
				srv, err := startWhisperServer(ctx, cfg, log)
				if err == nil {
					return srv, nil
				}
				log.Warn().Err(err).Msg("whisper-server unavailable, falling back to whisper-cli")
			}
			return newWhisperCLI(cfg)
		}), nil
	default:
		return nil, fmt.Errorf("invalid transcription provider %q (expected auto|server|cli|mock)", cfg.Provider)
	}
}

// Static is an Engine that always returns the same text. It backs the mock
// provider and tests.
type Static string

func (s Static) Transcribe(context.Context, audio.PCM) (string, error) {
	return string(s), nil
}

func pickThreads(threads int) int {
	if threads > 0 {
		return threads
	}
	threads = runtime.NumCPU()
	if threads > 8 {
		threads = 8
	}
	if threads < 2 {
		threads = 2
	}
	return threads
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}
