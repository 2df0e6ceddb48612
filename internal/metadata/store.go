// Package metadata defines the interface and implementations for the
// session store, which tracks the progress of resumable uploads.
package metadata

import (
	"context"
	"errors"
	"io"
	"maps"
	"sort"
	"time"
)

// timeFormat is the ISO 8601 format used for timestamps in text-based
// engines.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SessionState is the lifecycle state of a resumable upload.
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateInProgress SessionState = "in_progress"
	StateComplete   SessionState = "complete"
	StateErrored    SessionState = "errored"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case StateCreated, StateInProgress, StateComplete, StateErrored:
		return true
	}
	return false
}

var (
	// ErrSessionExists is returned by CreateSession for a duplicate id.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned by UpdateSession for an unknown id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOffsetMismatch is returned by UpdateSession when the stored offset
	// differs from the expected one, meaning another writer got there first.
	ErrOffsetMismatch = errors.New("session offset changed concurrently")
)

// SessionRecord is the persisted state of one resumable upload.
type SessionRecord struct {
	UploadID  string            `json:"upload_id"`
	ObjectKey string            `json:"object_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Length    int64             `json:"length"`
	Offset    int64             `json:"offset"`
	State     SessionState      `json:"state"`
	// Failure holds the last error message of an errored session.
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Clone returns a deep copy of r.
func (r *SessionRecord) Clone() *SessionRecord {
	c := *r
	if r.Metadata != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}
	return &c
}

// Expired reports whether the record's retention window has passed.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// ListSessionsOptions filters ListSessions. Zero values match everything.
type ListSessionsOptions struct {
	// State restricts results to one state.
	State SessionState
	// ExpiredBefore restricts results to sessions whose ExpiresAt is not
	// after this instant.
	ExpiredBefore time.Time
	// Limit caps the number of results.
	Limit int
}

func (o ListSessionsOptions) match(r *SessionRecord) bool {
	if o.State != "" && r.State != o.State {
		return false
	}
	if !o.ExpiredBefore.IsZero() && !r.Expired(o.ExpiredBefore) {
		return false
	}
	return true
}

// finish sorts by creation time and applies the limit.
func (o ListSessionsOptions) finish(recs []SessionRecord) []SessionRecord {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].UploadID < recs[j].UploadID
	})
	if o.Limit > 0 && len(recs) > o.Limit {
		recs = recs[:o.Limit]
	}
	return recs
}

// SessionStore persists resumable upload sessions. Implementations must be
// safe for concurrent use.
type SessionStore interface {
	io.Closer

	// Ping checks connectivity to the session store.
	Ping(ctx context.Context) error

	// CreateSession inserts a new record. Returns ErrSessionExists if the
	// upload id is taken.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns the record, or nil with no error if it does not
	// exist.
	GetSession(ctx context.Context, uploadID string) (*SessionRecord, error)

	// UpdateSession replaces the record if its stored offset still equals
	// expectedOffset. Returns ErrSessionNotFound or ErrOffsetMismatch.
	UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error

	// DeleteSession removes the record. Deleting a missing record is not an
	// error.
	DeleteSession(ctx context.Context, uploadID string) error

	// ListSessions returns matching records ordered by creation time.
	ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error)
}
