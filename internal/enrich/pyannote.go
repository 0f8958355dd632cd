package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/stage"
)

const (
	defaultPyannoteURL     = "http://127.0.0.1:8388"
	defaultPyannoteTimeout = 10 * time.Minute

	// codeMissingSupportArtifact is the sidecar's error code for a model
	// support file absent from the pipeline cache.
	codeMissingSupportArtifact = "missing_support_artifact"
)

type PyannoteConfig struct {
	BaseURL string
	// Token is the model hub access credential forwarded to the sidecar.
	Token   string
	Timeout time.Duration
}

// Pyannote talks to a pyannote diarization sidecar over HTTP.
type Pyannote struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewPyannote(cfg PyannoteConfig) *Pyannote {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultPyannoteURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPyannoteTimeout
	}
	return &Pyannote{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		client:  &http.Client{Timeout: timeout},
	}
}

// Load asks the sidecar to load its pipeline and reports whether it is
// ready.
func (p *Pyannote) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/load", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeSidecarError(resp)
}

func (p *Pyannote) Diarize(ctx context.Context, pcm audio.PCM) ([]SpeakerTurn, error) {
	data := pcm.Data
	if len(data) == 0 && pcm.Path != "" {
		b, err := os.ReadFile(pcm.Path)
		if err != nil {
			return nil, fmt.Errorf("read audio file: %w", err)
		}
		data = b
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := "audio.wav"
	if pcm.Path != "" {
		name = filepath.Base(pcm.Path)
	}
	part, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/diarize", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diarization request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeSidecarError(resp)
	}

	var out pyannoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode diarization response: %w", err)
	}
	if out.Error != "" {
		return nil, sidecarError(out.Code, out.Error)
	}
	turns := make([]SpeakerTurn, len(out.Segments))
	for i, seg := range out.Segments {
		turns[i] = SpeakerTurn{Start: seg.StartTime, End: seg.EndTime, Speaker: seg.SpeakerID}
	}
	return turns, nil
}

func (p *Pyannote) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

type pyannoteResponse struct {
	Segments    []pyannoteSegment `json:"segments"`
	NumSpeakers int               `json:"num_speakers"`
	Error       string            `json:"error,omitempty"`
	Code        string            `json:"code,omitempty"`
}

type pyannoteSegment struct {
	SpeakerID string  `json:"speaker_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func decodeSidecarError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var out pyannoteResponse
	if json.Unmarshal(body, &out) == nil && out.Error != "" {
		return sidecarError(out.Code, fmt.Sprintf("status %d: %s", resp.StatusCode, out.Error))
	}
	return fmt.Errorf("diarization sidecar status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func sidecarError(code, msg string) error {
	if code == codeMissingSupportArtifact {
		return stage.Fail(stage.Diarization, stage.KindMissingSupportArtifact, fmt.Errorf("%s", msg))
	}
	return fmt.Errorf("diarization sidecar: %s", msg)
}
