package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/proc"
)

// whisperServer is a resident whisper.cpp server process holding the model
// in memory for the lifetime of the service.
type whisperServer struct {
	// slot admits one inference at a time; the server runs a single processor.
	slot *semaphore.Weighted

	mu      sync.Mutex
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	logTail *proc.TailBuffer
	closed  bool
}

func startWhisperServer(ctx context.Context, cfg Config, log zerolog.Logger) (*whisperServer, error) {
	path, err := exec.LookPath(orDefault(cfg.Server, "whisper-server"))
	if err != nil {
		return nil, err
	}
	modelPath, err := resolveModel(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	port, err := pickFreePort()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-m", modelPath,
		"-l", cfg.Language,
		"-nt",
		"-t", strconv.Itoa(cfg.Threads),
	}

	tail := proc.NewTailBuffer(24 << 10)
	cmd := exec.Command(path, args...)
	cmd.Stdout = tail
	cmd.Stderr = tail
	proc.OwnGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{}
	wait := cfg.ServerWait
	if wait <= 0 {
		wait = 60 * time.Second
	}

	// Loading the model happens here; poll until the server answers.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Info().Str("model", modelPath).Int("port", port).Msg("whisper-server ready")
				return &whisperServer{
					slot:    semaphore.NewWeighted(1),
					cmd:     cmd,
					baseURL: baseURL,
					client:  client,
					logTail: tail,
				}, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.KillGroup(cmd)
	_ = cmd.Wait()
	msg := tail.String()
	if msg == "" {
		msg = "whisper-server did not become ready"
	}
	return nil, fmt.Errorf("%s", msg)
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok || addr == nil || addr.Port == 0 {
		return 0, fmt.Errorf("failed to allocate port")
	}
	return addr.Port, nil
}

func (s *whisperServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = proc.InterruptGroup(cmd)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(2 * time.Second):
		_ = proc.KillGroup(cmd)
		<-done
	case <-done:
	}
	return nil
}

func (s *whisperServer) Transcribe(ctx context.Context, pcm audio.PCM) (string, error) {
	if pcm.SampleBytes == 0 {
		return "", nil
	}

	if err := s.slot.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.slot.Release(1)
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", fmt.Errorf("whisper-server closed")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(pcm.Path))
	if err != nil {
		_ = mw.Close()
		return "", err
	}
	if _, err := fw.Write(pcm.Data); err != nil {
		_ = mw.Close()
		return "", err
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper-server HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode whisper-server response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper-server: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}

// whisperCLI runs one whisper.cpp CLI process per recording against a model
// path validated once at load time.
type whisperCLI struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
}

func newWhisperCLI(cfg Config) (whisperCLI, error) {
	cli := orDefault(cfg.CLI, "whisper-cli")
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return whisperCLI{}, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath, err := resolveModel(cfg.ModelPath)
	if err != nil {
		return whisperCLI{}, err
	}
	return whisperCLI{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  cfg.Language,
		threads:   cfg.Threads,
	}, nil
}

func (w whisperCLI) Transcribe(ctx context.Context, pcm audio.PCM) (string, error) {
	if pcm.SampleBytes == 0 {
		return "", nil
	}
	tmpDir, err := os.MkdirTemp("", "vzstt-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", pcm.Path,
		"-l", w.language,
		"-t", strconv.Itoa(w.threads),
		"-otxt",
		"-of", outPrefix,
		"-nt",
	}
	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	stderr := proc.NewTailBuffer(8 << 10)
	cmd.Stderr = stderr
	proc.KillGroupOnCancel(cmd, 2*time.Second)
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", context.Canceled
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("whisper.cpp timed out: %w", ctx.Err())
		}
		detail := stderr.String()
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func resolveModel(modelPath string) (string, error) {
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return "", fmt.Errorf("WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return "", fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	return modelPath, nil
}
