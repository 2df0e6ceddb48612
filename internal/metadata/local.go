package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const sessionsLogFile = "sessions.jsonl"

// jsonlEntry is one line of the append-only session log. A deleted entry
// carries only the upload id.
type jsonlEntry struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Deleted  bool            `json:"_deleted,omitempty"`
	UploadID string          `json:"upload_id"`
}

// LocalStore keeps sessions in memory and journals every change to
// {rootDir}/sessions.jsonl. The log is replayed on open; the last entry for
// an upload id wins.
type LocalStore struct {
	mu       sync.RWMutex
	rootDir  string
	sessions map[string]*SessionRecord
}

// NewLocalStore opens (or creates) the session log under rootDir. With
// compact set, the log is rewritten to one line per live session.
func NewLocalStore(rootDir string, compact bool) (*LocalStore, error) {
	if rootDir == "" {
		rootDir = "./data/sessions"
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	s := &LocalStore{
		rootDir:  rootDir,
		sessions: make(map[string]*SessionRecord),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	if compact {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting sessions: %w", err)
		}
	}
	return s, nil
}

func (s *LocalStore) logPath() string {
	return filepath.Join(s.rootDir, sessionsLogFile)
}

func (s *LocalStore) load() error {
	f, err := os.Open(s.logPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		// A torn last line from a crash is skipped.
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Deleted {
			delete(s.sessions, entry.UploadID)
			continue
		}
		var rec SessionRecord
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			continue
		}
		s.sessions[rec.UploadID] = &rec
	}
	return scanner.Err()
}

// appendEntry writes one line and fsyncs. Callers hold s.mu.
func (s *LocalStore) appendEntry(entry jsonlEntry) error {
	f, err := os.OpenFile(s.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeJSONLLine(f, entry); err != nil {
		return err
	}
	return f.Sync()
}

func (s *LocalStore) appendSession(rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.appendEntry(jsonlEntry{Type: "session", UploadID: rec.UploadID, Data: data})
}

func (s *LocalStore) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.logPath()
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	for _, rec := range s.sessions {
		data, err := json.Marshal(rec)
		if err == nil {
			err = writeJSONLLine(f, jsonlEntry{Type: "session", UploadID: rec.UploadID, Data: data})
		}
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()

	return os.Rename(tmpPath, path)
}

func writeJSONLLine(f *os.File, entry jsonlEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *LocalStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.rootDir)
	return err
}

func (s *LocalStore) Close() error {
	return nil
}

func (s *LocalStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[rec.UploadID]; exists {
		return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
	}
	c := rec.Clone()
	if err := s.appendSession(c); err != nil {
		return fmt.Errorf("journaling session: %w", err)
	}
	s.sessions[rec.UploadID] = c
	return nil
}

func (s *LocalStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[uploadID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *LocalStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
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
	c := rec.Clone()
	if err := s.appendSession(c); err != nil {
		return fmt.Errorf("journaling session: %w", err)
	}
	s.sessions[rec.UploadID] = c
	return nil
}

func (s *LocalStore) DeleteSession(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[uploadID]; !ok {
		return nil
	}
	if err := s.appendEntry(jsonlEntry{Type: "session", Deleted: true, UploadID: uploadID}); err != nil {
		return fmt.Errorf("journaling delete: %w", err)
	}
	delete(s.sessions, uploadID)
	return nil
}

func (s *LocalStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
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

var _ SessionStore = (*LocalStore)(nil)
