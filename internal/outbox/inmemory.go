package outbox

import (
	"context"
	"sync"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, nil
}

func (s *InMemoryStore) Close() error { return nil }
