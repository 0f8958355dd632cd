package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shivuat/vzstt/internal/audio"
	"github.com/shivuat/vzstt/internal/protocol"
)

type options struct {
	url        string
	file       string
	chunkBytes int
	realtime   float64
	timeout    time.Duration
	detach     bool
	verbose    bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vzstt-stream: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vzstt-stream: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("vzstt-stream", flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "ws://127.0.0.1:8000/v1/stream", "stream endpoint")
	fs.StringVar(&cfg.file, "file", "", "recording to stream (any container ffmpeg reads)")
	fs.IntVar(&cfg.chunkBytes, "chunk-bytes", 16<<10, "bytes per websocket frame")
	fs.Float64Var(&cfg.realtime, "realtime", 0, "pace WAV input at this multiple of real time (0 = as fast as possible)")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Minute, "overall deadline including processing")
	fs.BoolVar(&cfg.detach, "detach", false, "disconnect after streaming and poll the result endpoint instead")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print progress to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.url = strings.TrimSpace(cfg.url)
	if cfg.url == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(cfg.file) == "" {
		return options{}, fmt.Errorf("file is required")
	}
	if cfg.chunkBytes <= 0 {
		return options{}, fmt.Errorf("chunk-bytes must be > 0")
	}
	if cfg.realtime < 0 {
		return options{}, fmt.Errorf("realtime must be >= 0")
	}
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	data, err := os.ReadFile(cfg.file)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var started protocol.SessionStarted
	if err := conn.ReadJSON(&started); err != nil {
		return fmt.Errorf("read session_started: %w", err)
	}
	if started.Type != protocol.TypeSessionStarted {
		return fmt.Errorf("unexpected first message %q", started.Type)
	}
	progress(cfg, "session=%s enrichment=%s bytes=%d", started.SessionID, started.Variant, len(data))

	pace := chunkInterval(data, cfg.chunkBytes, cfg.realtime)
	parts := chunks(data, cfg.chunkBytes)
	for i, part := range parts {
		if err := conn.WriteMessage(websocket.BinaryMessage, part); err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}
		if pace > 0 && i < len(parts)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
		}
	}
	progress(cfg, "sent %d chunks", len(parts))

	if cfg.detach {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
		endpoint, err := resultURL(cfg.url, started.SessionID)
		if err != nil {
			return err
		}
		payload, err := pollResult(ctx, &http.Client{Timeout: 30 * time.Second}, endpoint)
		if err != nil {
			return err
		}
		return printResult(out, payload)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeEnd}); err != nil {
		return fmt.Errorf("send end: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("connection closed before a result arrived; fetch it with -detach")
			}
			return fmt.Errorf("read result: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		switch env.Type {
		case protocol.TypeSessionResult, protocol.TypeSessionError:
			return printResult(out, payload)
		default:
			progress(cfg, "server: %s", payload)
		}
	}
}

func chunks(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// chunkInterval is the playback time of one chunk divided by realtime. Only
// WAV input can be paced; other containers stream unpaced.
func chunkInterval(data []byte, chunkBytes int, realtime float64) time.Duration {
	if realtime <= 0 {
		return 0
	}
	_, format, err := audio.DecodeWAV(data)
	if err != nil {
		return 0
	}
	bytesPerSecond := format.SampleRate * format.Channels * format.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	d := time.Duration(float64(chunkBytes) / float64(bytesPerSecond) * float64(time.Second))
	return time.Duration(float64(d) / realtime)
}

// resultURL maps the stream endpoint to the session's result endpoint on
// the same host.
func resultURL(streamURL, sessionID string) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/sessions/" + url.PathEscape(sessionID) + "/result"
	u.RawQuery = ""
	return u.String(), nil
}

func pollResult(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch result: %w", err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusOK:
			return body, nil
		case http.StatusAccepted:
		default:
			return nil, fmt.Errorf("fetch result: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printResult(out io.Writer, payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func progress(cfg options, format string, args ...any) {
	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "vzstt-stream: "+format+"\n", args...)
	}
}
