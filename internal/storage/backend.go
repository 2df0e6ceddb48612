// Package storage defines the durable object store used by bleepupload and
// its implementations. A backend is bound to one container (bucket) at
// construction; every method addresses objects by key within it.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrBlockNotFound is returned by CommitBlockList when a listed block
	// was never staged under the key, or was released by a later commit.
	ErrBlockNotFound = errors.New("block not found")
	// ErrObjectNotFound is returned when a committed object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists is returned by UploadObject with overwrite=false
	// when the key is already taken.
	ErrObjectExists = errors.New("object already exists")
	// ErrKeyConflict is returned when a key cannot be published because it
	// is a path prefix of an existing object, or an existing object is a
	// path prefix of it. Only hierarchical backends return it.
	ErrKeyConflict = errors.New("key conflicts with an existing object path")
)

// StorageBackend is the durable store the upload protocols publish into.
// All methods must be safe for concurrent use.
type StorageBackend interface {
	// StageBlock stores an uncommitted block under key. Staging the same
	// blockID again replaces the previous payload.
	StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error

	// CommitBlockList atomically replaces the object at key with the
	// concatenation of the listed blocks, in list order. If any block is
	// missing the previous object is left untouched and the returned error
	// wraps ErrBlockNotFound. Committed blocks stay addressable, so the
	// same list or a reordering of it can be committed again; a commit
	// releases only blocks of the previous commit that it no longer lists.
	// Blocks staged but never committed are left alone.
	CommitBlockList(ctx context.Context, key string, blockIDs []string) error

	// UploadObject writes the object at key from r in one call.
	UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error

	// GetObject opens the committed object. The caller closes the reader.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// DeleteObject removes the committed object and releases the blocks it
	// was committed from. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error
}
