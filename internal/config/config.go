package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the transcription service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel     string
	LogFormat    string
	LogRedactPII bool

	WorkDir           string
	KeepArtifacts     bool
	SessionRetention  time.Duration
	WorkerConcurrency int
	ReplyTimeout      time.Duration

	FFmpegPath     string
	ConvertTimeout time.Duration
	PCMSampleRate  int

	STTProvider       string
	WhisperCLI        string
	WhisperServer     string
	WhisperModelPath  string
	WhisperLanguage   string
	WhisperThreads    int
	TranscribeTimeout time.Duration

	EnrichmentMode string

	DiarizationURL           string
	HFAccessToken            string
	DiarizationTimeout       time.Duration
	DiarizationSupportSource string
	DiarizationSupportTarget string

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	SummaryTimeout time.Duration

	DatabaseURL      string
	ResultWebhookURL string
}

// Load reads an optional .env file, then environment variables, and applies
// safe defaults. Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(envFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg := Config{
		// Port 8000 keeps existing browser clients working unchanged.
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "vzstt"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		WorkDir:          envOrDefault("APP_WORK_DIR", ""),
		FFmpegPath:       envOrDefault("FFMPEG_PATH", "ffmpeg"),
		PCMSampleRate:    44100,
		STTProvider:      envOrDefault("STT_PROVIDER", "auto"),
		WhisperCLI:       envOrDefault("WHISPER_CLI", "whisper-cli"),
		WhisperServer:    envOrDefault("WHISPER_SERVER", "whisper-server"),
		WhisperModelPath: envOrDefault("WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		WhisperLanguage:  envOrDefault("WHISPER_LANGUAGE", "en"),
		// 0 means "auto" (picked based on CPU count).
		WhisperThreads:           0,
		EnrichmentMode:           envOrDefault("ENRICHMENT_MODE", "diarization"),
		DiarizationURL:           envOrDefault("DIARIZATION_URL", "http://127.0.0.1:8388"),
		HFAccessToken:            stringsTrimSpace("HF_ACCESS_TOKEN"),
		DiarizationSupportSource: stringsTrimSpace("DIARIZATION_SUPPORT_SOURCE"),
		DiarizationSupportTarget: stringsTrimSpace("DIARIZATION_SUPPORT_TARGET"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:              envOrDefault("OPENAI_MODEL", "gpt-4"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ResultWebhookURL:         stringsTrimSpace("RESULT_WEBHOOK_URL"),
		ShutdownTimeout:          60 * time.Second,
		SessionRetention:         10 * time.Minute,
		WorkerConcurrency:        8,
		ReplyTimeout:             5 * time.Minute,
		ConvertTimeout:           30 * time.Second,
		TranscribeTimeout:        10 * time.Minute,
		DiarizationTimeout:       10 * time.Minute,
		SummaryTimeout:           2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyTimeout, err = durationFromEnv("REPLY_TIMEOUT", cfg.ReplyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConvertTimeout, err = durationFromEnv("CONVERT_TIMEOUT", cfg.ConvertTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeTimeout, err = durationFromEnv("TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DiarizationTimeout, err = durationFromEnv("DIARIZATION_TIMEOUT", cfg.DiarizationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryTimeout, err = durationFromEnv("SUMMARY_TIMEOUT", cfg.SummaryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogRedactPII, err = boolFromEnv("LOG_REDACT_PII", cfg.LogRedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepArtifacts, err = boolFromEnv("KEEP_ARTIFACTS", cfg.KeepArtifacts)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerConcurrency, err = intFromEnv("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.PCMSampleRate, err = intFromEnv("PCM_SAMPLE_RATE", cfg.PCMSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperThreads, err = intFromEnv("WHISPER_THREADS", cfg.WhisperThreads)
	if err != nil {
		return Config{}, err
	}

	cfg.STTProvider = strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	cfg.EnrichmentMode = strings.ToLower(strings.TrimSpace(cfg.EnrichmentMode))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ConvertTimeout <= 0 {
		return fmt.Errorf("CONVERT_TIMEOUT must be positive")
	}
	if c.TranscribeTimeout <= 0 || c.DiarizationTimeout <= 0 || c.SummaryTimeout <= 0 {
		return fmt.Errorf("stage timeouts must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.PCMSampleRate <= 0 {
		return fmt.Errorf("PCM_SAMPLE_RATE must be positive")
	}
	if c.WhisperThreads < 0 {
		return fmt.Errorf("WHISPER_THREADS must be >= 0")
	}
	if c.SessionRetention < time.Second {
		return fmt.Errorf("SESSION_RETENTION must be at least 1s")
	}
	switch c.STTProvider {
	case "auto", "server", "cli", "mock":
	default:
		return fmt.Errorf("invalid STT_PROVIDER: %q (expected auto|server|cli|mock)", c.STTProvider)
	}
	switch c.EnrichmentMode {
	case "diarization":
		if (c.DiarizationSupportSource == "") != (c.DiarizationSupportTarget == "") {
			return fmt.Errorf("DIARIZATION_SUPPORT_SOURCE and DIARIZATION_SUPPORT_TARGET must be set together")
		}
	case "summarization":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("ENRICHMENT_MODE=summarization but OPENAI_API_KEY is not set")
		}
	case "mock":
	default:
		return fmt.Errorf("invalid ENRICHMENT_MODE: %q (expected diarization|summarization|mock)", c.EnrichmentMode)
	}
	return nil
}

func envFile() string {
	return envOrDefault("APP_ENV_FILE", ".env")
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
