// Package enrich adds derived information on top of a transcript: speaker
// turns (diarization) or a remote model's analysis (summarization). Exactly
// one variant is active per deployment.
package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/audio"
)

type Variant string

const (
	VariantDiarization   Variant = "diarization"
	VariantSummarization Variant = "summarization"
)

// Input is what the session hands to the active enricher. Diarization reads
// PCM, summarization reads Transcript.
type Input struct {
	Transcript string
	PCM        audio.PCM
}

// SpeakerTurn is one time span attributed to a speaker, in seconds from the
// start of the recording.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Summary is the unparsed analysis text returned by the remote model.
type Summary struct {
	RawText string `json:"raw_text"`
}

// Result is a tagged union: Turns is set for diarization, Summary for
// summarization.
type Result struct {
	Variant Variant       `json:"variant"`
	Turns   []SpeakerTurn `json:"turns,omitempty"`
	Summary *Summary      `json:"summary,omitempty"`
}

// Enricher is the single capability the session invokes.
type Enricher interface {
	Variant() Variant
	Enrich(ctx context.Context, in Input) (Result, error)
}

type Config struct {
	// Mode is diarization, summarization or mock.
	Mode        string
	Diarization DiarizerConfig
	Summary     SummarizerConfig
}

// New builds the enricher selected by cfg.Mode.
func New(cfg Config, log zerolog.Logger) (Enricher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", string(VariantDiarization):
		return NewDiarizer(cfg.Diarization, log), nil
	case string(VariantSummarization):
		return NewSummarizer(cfg.Summary, log)
	case "mock":
		return Mock{}, nil
	default:
		return nil, fmt.Errorf("invalid enrichment mode %q (expected diarization|summarization|mock)", cfg.Mode)
	}
}

// Mock attributes the whole recording to one speaker. It stands in for the
// diarization sidecar in development.
type Mock struct{}

func (Mock) Variant() Variant { return VariantDiarization }

func (Mock) Enrich(_ context.Context, in Input) (Result, error) {
	res := Result{Variant: VariantDiarization, Turns: []SpeakerTurn{}}
	if d := in.PCM.Duration(); d > 0 {
		res.Turns = append(res.Turns, SpeakerTurn{Start: 0, End: d.Seconds(), Speaker: "SPEAKER_00"})
	}
	return res, nil
}
