package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_outbox (
			session_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			state TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_outbox_created ON session_outbox (created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init outbox schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_outbox (session_id, id, state, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id) DO UPDATE SET
			id=EXCLUDED.id,
			state=EXCLUDED.state,
			payload=EXCLUDED.payload,
			created_at=EXCLUDED.created_at`,
		rec.SessionID,
		rec.ID,
		rec.State,
		string(rec.Payload),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save outbox record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var rec Record
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, id, state, payload::text, created_at FROM session_outbox WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.SessionID, &rec.ID, &rec.State, &payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get outbox record: %w", err)
	}
	rec.Payload = []byte(payload)
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
