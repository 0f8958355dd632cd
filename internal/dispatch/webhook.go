package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shivuat/vzstt/internal/reliability"
)

// Webhook POSTs each outcome to a configured callback URL. Transient
// failures (network errors, 429 and 5xx) are retried with backoff; all
// attempts share one delivery id.
type Webhook struct {
	url    string
	client *http.Client
	retry  reliability.Policy
}

// NewWebhook returns nil when url is empty.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  reliability.Policy{Attempts: 3, Base: 500 * time.Millisecond, Cap: 5 * time.Second},
	}
}

func (w *Webhook) Post(ctx context.Context, sessionID string, payload []byte) error {
	deliveryID := uuid.NewString()
	return w.retry.Do(ctx, func(ctx context.Context) error {
		return w.post(ctx, sessionID, deliveryID, payload)
	})
}

func (w *Webhook) post(ctx context.Context, sessionID, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("X-Delivery-ID", deliveryID)

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("webhook http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return err
		}
		return reliability.Permanent(err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
