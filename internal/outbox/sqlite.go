package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node durable backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path, which may
// be a plain file path or a file: DSN.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_outbox (
		session_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		state TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_outbox (session_id, id, state, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			id=excluded.id,
			state=excluded.state,
			payload=excluded.payload,
			created_at=excluded.created_at`,
		rec.SessionID, rec.ID, rec.State, string(rec.Payload), rec.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save outbox record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var rec Record
	var payload string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, id, state, payload, created_at FROM session_outbox WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.SessionID, &rec.ID, &rec.State, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get outbox record: %w", err)
	}
	rec.Payload = []byte(payload)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
