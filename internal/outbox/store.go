// Package outbox persists terminal session outcomes so a client that was no
// longer connected at dispatch time can fetch its result later.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("outbox record not found")

// Record is one session's terminal outcome. Payload is the JSON message the
// client would have received on the live connection.
type Record struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store keeps at most one record per session; Save replaces an earlier one.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	Close() error
}

// NewStore picks a backend from url: empty for in-memory,
// postgres:// or postgresql:// for Postgres, sqlite:// or file: for SQLite.
func NewStore(ctx context.Context, url string) (Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", redact(url))
	}
}

func validate(rec Record) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("outbox record requires session id")
	}
	if len(rec.Payload) == 0 || !json.Valid(rec.Payload) {
		return errors.New("outbox record payload must be valid JSON")
	}
	return nil
}

func redact(url string) string {
	if i := strings.Index(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "***" + url[i:]
		}
	}
	return url
}
