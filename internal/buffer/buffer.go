// Package buffer holds the partially received bytes of resumable uploads
// until they are transferred to the durable store.
package buffer

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no buffer exists for an upload id.
	ErrNotFound = errors.New("buffer not found")
	// ErrStorage wraps failures of the buffer medium itself (disk full,
	// fsync failure).
	ErrStorage = errors.New("buffer storage failure")
	// ErrSource wraps failures reading the incoming chunk.
	ErrSource = errors.New("reading upload body")
)

// Store is the local staging area for resumable uploads. Implementations
// must be safe for concurrent use across distinct ids; callers serialize
// access to a single id.
type Store interface {
	// Create allocates an empty buffer for id.
	Create(ctx context.Context, id string) error

	// Append writes r at offset and returns the number of bytes written.
	// Bytes past offset left over from an earlier interrupted write are
	// discarded first. The data is durable when Append returns nil.
	Append(ctx context.Context, id string, offset int64, r io.Reader) (int64, error)

	// Open returns a reader over the first size bytes of the buffer.
	Open(ctx context.Context, id string, size int64) (io.ReadCloser, error)

	// Size returns the current buffer size.
	Size(ctx context.Context, id string) (int64, error)

	// Remove deletes the buffer. Removing a missing buffer is not an error.
	Remove(ctx context.Context, id string) error

	// List returns the ids of all buffers.
	List(ctx context.Context) ([]string, error)
}

// sourceReader marks errors coming from the wrapped reader so Append can
// tell a broken client connection from a failing disk.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}
