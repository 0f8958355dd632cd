package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/stage"
)

const (
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultOpenAIModel    = "gpt-4"
	defaultSummaryTimeout = 2 * time.Minute
)

const summaryInstruction = `Conversation: Identify the speakers from the transcript and label them as 'Agent' and 'Customer' with their sentences.
Summarize: Summarize the transcript.
Intent: What is the intent of the customer in the transcript?
Sentiment: What is the sentiment of the parties involved?`

// BuildPrompt combines the fixed analysis instruction with the transcript
// into the single user prompt sent to the model.
func BuildPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString(summaryInstruction)
	b.WriteString("\n\nTranscript:\n\n")
	b.WriteString(transcript)
	b.WriteString("\n\nIdentifying Speakers and Labeling Sentences:\n")
	return b.String()
}

type SummarizerConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Summarizer is the summarization variant, backed by an OpenAI-compatible
// chat completions endpoint.
type Summarizer struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	log     zerolog.Logger
}

func NewSummarizer(cfg SummarizerConfig, log zerolog.Logger) (*Summarizer, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("summarization requires an API key")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSummaryTimeout
	}
	return &Summarizer{
		apiKey:  key,
		baseURL: base,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "summarization").Logger(),
	}, nil
}

func (s *Summarizer) Variant() Variant { return VariantSummarization }

// Enrich sends the transcript for analysis. The call is not retried. An
// empty transcript is not sent and yields an empty summary.
func (s *Summarizer) Enrich(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		s.log.Info().Msg("empty transcript, skipping remote summary")
		return Result{Variant: VariantSummarization, Summary: &Summary{}}, nil
	}
	start := time.Now()
	text, err := s.complete(ctx, BuildPrompt(in.Transcript))
	if err != nil {
		return Result{}, stage.Fail(stage.Enrichment, stage.KindRemoteEnrichment, err)
	}
	s.log.Info().Str("model", s.model).Dur("elapsed", time.Since(start)).Int("chars", len(text)).Msg("summarized transcript")
	return Result{Variant: VariantSummarization, Summary: &Summary{RawText: text}}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    s.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var out chatResponse
	decodeErr := json.Unmarshal(body, &out)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("summary http status %d (%s): %s", res.StatusCode, out.Error.Type, out.Error.Message)
		}
		return "", fmt.Errorf("summary http status %d: %s", res.StatusCode, truncate(string(body), 512))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("malformed response: no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
