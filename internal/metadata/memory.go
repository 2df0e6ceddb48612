package metadata

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps sessions in a map. Used in tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionRecord)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[rec.UploadID]; exists {
		return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
	}
	s.sessions[rec.UploadID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[uploadID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[rec.UploadID]
	if !ok {
		return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrSessionNotFound)
	}
	if cur.Offset != expectedOffset {
		return fmt.Errorf("updating session %s: stored offset %d, expected %d: %w",
			rec.UploadID, cur.Offset, expectedOffset, ErrOffsetMismatch)
	}
	s.sessions[rec.UploadID] = rec.Clone()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, uploadID)
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SessionRecord
	for _, rec := range s.sessions {
		if opts.match(rec) {
			out = append(out, *rec.Clone())
		}
	}
	return opts.finish(out), nil
}

var _ SessionStore = (*MemoryStore)(nil)
