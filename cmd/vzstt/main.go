package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shivuat/vzstt/internal/config"
	"github.com/shivuat/vzstt/internal/convert"
	"github.com/shivuat/vzstt/internal/dispatch"
	"github.com/shivuat/vzstt/internal/enrich"
	"github.com/shivuat/vzstt/internal/httpapi"
	"github.com/shivuat/vzstt/internal/observability"
	"github.com/shivuat/vzstt/internal/outbox"
	"github.com/shivuat/vzstt/internal/session"
	"github.com/shivuat/vzstt/internal/transcribe"
	"github.com/shivuat/vzstt/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, "vzstt")
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	workDir, cleanupWorkDir, err := prepareWorkDir(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	defer cleanupWorkDir()

	ctx := context.Background()
	store, err := outbox.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("outbox store init failed: %w", err)
	}

	model, err := transcribe.NewModel(transcribe.Config{
		Provider:  cfg.STTProvider,
		CLI:       cfg.WhisperCLI,
		Server:    cfg.WhisperServer,
		ModelPath: cfg.WhisperModelPath,
		Language:  cfg.WhisperLanguage,
		Threads:   cfg.WhisperThreads,
		Timeout:   cfg.TranscribeTimeout,
	}, log)
	if err != nil {
		_ = store.Close()
		return err
	}
	stt := transcribe.NewStage(model, cfg.TranscribeTimeout, log)

	ffmpeg := convert.NewFFmpeg(convert.Config{
		Binary:     cfg.FFmpegPath,
		SampleRate: cfg.PCMSampleRate,
	}, log)
	if !ffmpeg.Available() {
		log.Warn().Str("binary", cfg.FFmpegPath).Msg("ffmpeg not found; conversions will fail")
	}

	enricher, err := enrich.New(enrich.Config{
		Mode: cfg.EnrichmentMode,
		Diarization: enrich.DiarizerConfig{
			Sidecar: enrich.PyannoteConfig{
				BaseURL: cfg.DiarizationURL,
				Token:   cfg.HFAccessToken,
				Timeout: cfg.DiarizationTimeout,
			},
			Recovery: enrich.SupportArtifactRecovery{
				Source: cfg.DiarizationSupportSource,
				Target: cfg.DiarizationSupportTarget,
			},
			Timeout:    cfg.DiarizationTimeout,
			OnRecovery: metrics.ObserveRecovery,
		},
		Summary: enrich.SummarizerConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.SummaryTimeout,
		},
	}, log)
	if err != nil {
		_ = stt.Close()
		_ = store.Close()
		return fmt.Errorf("enrichment init failed: %w", err)
	}
	enrichTimeout := cfg.DiarizationTimeout
	if enricher.Variant() == enrich.VariantSummarization {
		enrichTimeout = cfg.SummaryTimeout
	}

	pool := worker.New(cfg.WorkerConcurrency, log,
		worker.WithInFlightGauge(metrics.InFlightJobs),
		worker.WithPanicHandler(func(name string, recovered any) {
			log.Error().Str("job", name).Interface("panic", recovered).Msg("worker job panicked")
		}),
	)

	live := dispatch.NewLive()
	sink := dispatch.New(dispatch.Config{ReplyTimeout: cfg.ReplyTimeout, RedactLogs: cfg.LogRedactPII}, store, live,
		dispatch.NewWebhook(cfg.ResultWebhookURL, 10*time.Second), metrics, log)

	pipeline := session.NewPipeline(session.PipelineConfig{
		Timeouts: session.Timeouts{
			Convert:    cfg.ConvertTimeout,
			Transcribe: cfg.TranscribeTimeout,
			Enrich:     enrichTimeout,
		},
		KeepArtifacts: cfg.KeepArtifacts,
	}, ffmpeg, stt, enricher, sink, metrics, log)

	sessions := session.NewManager(session.ManagerConfig{
		WorkDir:   workDir,
		Retention: cfg.SessionRetention,
	}, pipeline, pool, metrics, log)
	sessions.SetExpireHook(func(snap session.Snapshot) {
		log.Debug().Str("session_id", snap.ID).Str("state", string(snap.State)).Msg("session expired")
	})

	api := httpapi.New(cfg, sessions, live, sink, metrics, string(enricher.Variant()), log)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	sessions.StartJanitor(gctx, 30*time.Second)

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("enrichment", string(enricher.Variant())).
			Str("work_dir", workDir).
			Int("workers", cfg.WorkerConcurrency).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received, draining")
		return drain(cfg, log, api, httpServer, pool)
	})

	runErr := g.Wait()

	if err := stt.Close(); err != nil {
		log.Warn().Err(err).Msg("close transcription model")
	}
	if c, ok := enricher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close enrichment model")
		}
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("close outbox store")
	}
	log.Info().Msg("shutdown complete")
	return runErr
}

// drain stops intake and lets in-flight sessions reach a terminal state
// before the engines are released.
func drain(cfg config.Config, log zerolog.Logger, api *httpapi.Server, httpServer *http.Server, pool *worker.Pool) error {
	api.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful http shutdown failed")
		_ = httpServer.Close()
	}

	// Streams get half the budget; the rest is for their pipelines.
	streamCtx, streamCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout/2)
	if err := api.CloseStreams(streamCtx); err != nil {
		log.Warn().Err(err).Msg("open streams closed by drain deadline")
	}
	streamCancel()

	if err := pool.Drain(ctx); err != nil {
		log.Warn().Err(err).Int("in_flight", pool.InFlight()).Msg("worker drain incomplete")
	}
	return nil
}

func prepareWorkDir(dir string) (string, func(), error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "vzstt-*")
		if err != nil {
			return "", nil, err
		}
		return tmp, func() { _ = os.RemoveAll(tmp) }, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	return dir, func() {}, nil
}
