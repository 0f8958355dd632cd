// Package convert turns a raw container-format recording into canonical PCM
// by running an external transcoder process.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/proc"
	"github.com/shivuat/vzstt/internal/stage"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultSampleRate = 44100

	stderrTailBytes = 8 << 10
	killGracePeriod = 2 * time.Second
)

// Artifacts are the on-disk files a conversion reads and writes. They belong
// to the calling session, which removes them once it is terminal.
type Artifacts struct {
	RawPath string
	PCMPath string
}

// Remove deletes both artifacts, ignoring files that were never created.
func (a Artifacts) Remove() error {
	var errs []error
	for _, p := range []string{a.RawPath, a.PCMPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	// Binary is the ffmpeg executable name or path.
	Binary string
	// SampleRate of the produced PCM.
	SampleRate int
}

// FFmpeg converts recordings with an ffmpeg subprocess.
type FFmpeg struct {
	binary     string
	sampleRate int
	log        zerolog.Logger
}

func NewFFmpeg(cfg Config, log zerolog.Logger) *FFmpeg {
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &FFmpeg{
		binary:     bin,
		sampleRate: rate,
		log:        log.With().Str("component", "convert").Logger(),
	}
}

// Available reports whether the transcoder binary can be resolved.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.binary)
	return err == nil
}

// Convert persists raw to art.RawPath, transcodes it to single-channel
// 16-bit PCM at the configured rate in art.PCMPath and reads the result
// back. The subprocess is bounded by timeout; on expiry its whole process
// group is killed and reaped before Convert returns.
func (f *FFmpeg) Convert(ctx context.Context, raw []byte, art Artifacts, timeout time.Duration) (audio.PCM, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := writeArtifact(art.RawPath, raw); err != nil {
		return audio.PCM{}, stage.Fail(stage.Conversion, stage.KindWriteFailure, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", art.RawPath,
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		art.PCMPath,
	}
	cmd := exec.CommandContext(runCtx, f.binary, args...)
	stderr := proc.NewTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr
	proc.KillGroupOnCancel(cmd, killGracePeriod)

	start := time.Now()
	f.log.Debug().Str("raw", art.RawPath).Str("pcm", art.PCMPath).Int("bytes", len(raw)).Msg("transcoding")
	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return audio.PCM{}, stage.Fail(stage.Conversion, stage.KindTranscodeTimeout,
				fmt.Errorf("transcoder did not finish within %s", timeout)).WithDetail(stderr.String())
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return audio.PCM{}, stage.Fail(stage.Conversion, stage.KindTranscodeFailure, context.Canceled)
		}
		detail := stderr.String()
		if detail == "" {
			detail = err.Error()
		}
		return audio.PCM{}, stage.Fail(stage.Conversion, stage.KindTranscodeFailure,
			fmt.Errorf("transcoder exited with code %d: %w", exitCode(cmd), err)).WithDetail(detail)
	}

	data, err := os.ReadFile(art.PCMPath)
	if err != nil {
		return audio.PCM{}, stage.Fail(stage.Conversion, stage.KindReadFailure, err)
	}
	samples, format, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.PCM{}, stage.Fail(stage.Conversion, stage.KindReadFailure, fmt.Errorf("decode output: %w", err))
	}
	pcm := audio.PCM{
		Path:        art.PCMPath,
		Data:        data,
		Format:      format,
		SampleBytes: len(samples),
	}
	f.log.Info().
		Str("pcm", art.PCMPath).
		Int("wav_bytes", len(data)).
		Dur("audio", pcm.Duration()).
		Dur("elapsed", elapsed).
		Msg("transcoded recording")
	return pcm, nil
}

func writeArtifact(path string, raw []byte) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty artifact path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
