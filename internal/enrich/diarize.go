package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/modelhandle"
	"github.com/shivuat/vzstt/internal/stage"
)

// Pipeline produces speaker turns for a recording. Implementations must be
// safe for concurrent use.
type Pipeline interface {
	Diarize(ctx context.Context, pcm audio.PCM) ([]SpeakerTurn, error)
}

// SupportArtifactRecovery is the remediation for a MissingSupportArtifact
// failure: copy Source to Target, then reload the pipeline once. Some
// installs leave a model support file in the download cache instead of the
// location the pipeline loads it from.
type SupportArtifactRecovery struct {
	Source string
	Target string
}

func (r SupportArtifactRecovery) Enabled() bool {
	return strings.TrimSpace(r.Source) != "" && strings.TrimSpace(r.Target) != ""
}

// Apply copies Source to Target, creating Target's parent directories. A
// Target that is already present counts as restored. The copy lands under a
// unique temporary name and is renamed into place, so concurrent callers
// never see a partial file.
func (r SupportArtifactRecovery) Apply() error {
	if !r.Enabled() {
		return errors.New("no support artifact recovery configured")
	}
	if _, err := os.Stat(r.Target); err == nil {
		return nil
	}
	src, err := os.Open(r.Source)
	if err != nil {
		return fmt.Errorf("open support artifact source: %w", err)
	}
	defer src.Close()

	dir := filepath.Dir(r.Target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create support artifact dir: %w", err)
	}
	dst, err := os.CreateTemp(dir, filepath.Base(r.Target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create support artifact: %w", err)
	}
	tmp := dst.Name()
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy support artifact: %w", err)
	}
	if err := dst.Chmod(0o644); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, r.Target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

type DiarizerConfig struct {
	Sidecar  PyannoteConfig
	Recovery SupportArtifactRecovery
	Timeout  time.Duration
	// OnRecovery is called after each recovery attempt with its outcome.
	OnRecovery func(ok bool)
}

// Diarizer is the diarization variant. Its pipeline is shared by all
// sessions and loaded on first use.
type Diarizer struct {
	model      *modelhandle.Handle[Pipeline]
	recovery   SupportArtifactRecovery
	timeout    time.Duration
	onRecovery func(ok bool)
	recoveries atomic.Int64
	// flight collapses recoveries that overlap into one copy and reload.
	flight singleflight.Group
	log    zerolog.Logger
}

// NewDiarizer wires a Diarizer to the pyannote sidecar described by cfg.
func NewDiarizer(cfg DiarizerConfig, log zerolog.Logger) *Diarizer {
	side := NewPyannote(cfg.Sidecar)
	model := modelhandle.New(func(ctx context.Context) (Pipeline, error) {
		if err := side.Load(ctx); err != nil {
			return nil, err
		}
		return side, nil
	})
	return NewDiarizerWithModel(model, cfg, log)
}

// NewDiarizerWithModel uses an existing shared pipeline handle.
func NewDiarizerWithModel(model *modelhandle.Handle[Pipeline], cfg DiarizerConfig, log zerolog.Logger) *Diarizer {
	return &Diarizer{
		model:      model,
		recovery:   cfg.Recovery,
		timeout:    cfg.Timeout,
		onRecovery: cfg.OnRecovery,
		log:        log.With().Str("component", "diarization").Logger(),
	}
}

func (d *Diarizer) Variant() Variant { return VariantDiarization }

// Recoveries reports how many support artifact recoveries have run.
func (d *Diarizer) Recoveries() int64 { return d.recoveries.Load() }

// Enrich diarizes in.PCM. A MissingSupportArtifact failure triggers exactly
// one recovery and retry; a second failure is terminal.
func (d *Diarizer) Enrich(ctx context.Context, in Input) (Result, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	turns, err := d.run(ctx, in.PCM)
	if errors.Is(err, errMissingSupportArtifact) {
		turns, err = d.recover(ctx, in.PCM, err)
	}
	if err != nil {
		if se, ok := stage.As(err); ok {
			return Result{}, stage.Retag(se, stage.Diarization)
		}
		return Result{}, stage.Fail(stage.Diarization, stage.KindDiarizationFailure, err)
	}

	turns, err = normalizeTurns(turns)
	if err != nil {
		return Result{}, stage.Fail(stage.Diarization, stage.KindDiarizationFailure, err)
	}
	for _, t := range turns {
		d.log.Debug().Float64("start", t.Start).Float64("end", t.End).Str("speaker", t.Speaker).Msg("speaker turn")
	}
	return Result{Variant: VariantDiarization, Turns: turns}, nil
}

var errMissingSupportArtifact = stage.Sentinel(stage.KindMissingSupportArtifact)

func (d *Diarizer) run(ctx context.Context, pcm audio.PCM) ([]SpeakerTurn, error) {
	p, err := d.model.Get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Diarize(ctx, pcm)
}

func (d *Diarizer) recover(ctx context.Context, pcm audio.PCM, cause error) ([]SpeakerTurn, error) {
	if !d.recovery.Enabled() {
		return nil, stage.Fail(stage.Diarization, stage.KindMissingSupportArtifact,
			fmt.Errorf("no recovery configured: %w", cause))
	}
	_, err, shared := d.flight.Do("support-artifact", func() (any, error) {
		d.recoveries.Add(1)
		d.log.Warn().
			Err(cause).
			Str("source", d.recovery.Source).
			Str("target", d.recovery.Target).
			Msg("support artifact missing, copying and retrying once")
		if err := d.recovery.Apply(); err != nil {
			return nil, err
		}
		if err := d.model.Reset(); err != nil {
			d.log.Warn().Err(err).Msg("close diarization pipeline")
		}
		return nil, nil
	})
	if err != nil {
		d.report(false)
		return nil, stage.Fail(stage.Diarization, stage.KindMissingSupportArtifact, errors.Join(cause, err))
	}
	if shared {
		d.log.Debug().Msg("joined in-flight support artifact recovery")
	}
	turns, err := d.run(ctx, pcm)
	if err != nil {
		d.report(false)
		if errors.Is(err, errMissingSupportArtifact) {
			return nil, stage.Fail(stage.Diarization, stage.KindMissingSupportArtifact,
				fmt.Errorf("still missing after recovery: %w", err))
		}
		return nil, err
	}
	d.report(true)
	return turns, nil
}

func (d *Diarizer) report(ok bool) {
	if d.onRecovery != nil {
		d.onRecovery(ok)
	}
}

// Close releases the shared pipeline.
func (d *Diarizer) Close() error {
	return d.model.Close()
}

// normalizeTurns orders turns by start time and rejects inverted spans.
func normalizeTurns(turns []SpeakerTurn) ([]SpeakerTurn, error) {
	out := make([]SpeakerTurn, 0, len(turns))
	for _, t := range turns {
		if t.Start < 0 || t.Start > t.End {
			return nil, fmt.Errorf("malformed speaker turn %s [%.3f, %.3f]", t.Speaker, t.Start, t.End)
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}
