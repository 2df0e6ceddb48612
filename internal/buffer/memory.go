package buffer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryStore keeps buffers in process memory. Intended for tests and
// ephemeral deployments; everything is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	bufs map[string][]byte

	// FailWrites, when set, makes Append fail with ErrStorage.
	FailWrites bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bufs: make(map[string][]byte)}
}

func (s *MemoryStore) Create(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs[id] = []byte{}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, id string, offset int64, r io.Reader) (int64, error) {
	src := &sourceReader{r: r}
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSource, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[id]
	if !ok {
		return 0, fmt.Errorf("appending to %s: %w", id, ErrNotFound)
	}
	if s.FailWrites {
		return 0, fmt.Errorf("%w: writing %s: injected failure", ErrStorage, id)
	}
	if offset > int64(len(buf)) {
		return 0, fmt.Errorf("%w: offset %d past end of %s (%d bytes)", ErrStorage, offset, id, len(buf))
	}
	s.bufs[id] = append(buf[:offset:offset], data...)
	return int64(len(data)), nil
}

func (s *MemoryStore) Open(ctx context.Context, id string, size int64) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.bufs[id]
	if !ok {
		return nil, fmt.Errorf("opening %s: %w", id, ErrNotFound)
	}
	size = min(size, int64(len(buf)))
	return io.NopCloser(bytes.NewReader(buf[:size])), nil
}

func (s *MemoryStore) Size(ctx context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.bufs[id]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", id, ErrNotFound)
	}
	return int64(len(buf)), nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.bufs))
	for id := range s.bufs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Has reports whether a buffer exists for id.
func (s *MemoryStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bufs[id]
	return ok
}

var _ Store = (*MemoryStore)(nil)
