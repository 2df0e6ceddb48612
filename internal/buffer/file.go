package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const partSuffix = ".part"

// FileStore keeps each buffer as {Dir}/{id}.part.
type FileStore struct {
	// Dir is the directory holding the part files.
	Dir string
}

// NewFileStore creates a FileStore, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating buffer directory %q: %w", dir, err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.Dir, id+partSuffix)
}

// Create allocates an empty part file. An existing file is truncated.
func (s *FileStore) Create(ctx context.Context, id string) error {
	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorage, id, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %v", ErrStorage, id, err)
	}
	return f.Close()
}

// Append writes r at offset, then fsyncs.
func (s *FileStore) Append(ctx context.Context, id string, offset int64, r io.Reader) (int64, error) {
	f, err := os.OpenFile(s.path(id), os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("appending to %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("%w: opening %s: %v", ErrStorage, id, err)
	}
	defer f.Close()

	if err := f.Truncate(offset); err != nil {
		return 0, fmt.Errorf("%w: truncating %s: %v", ErrStorage, id, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seeking %s: %v", ErrStorage, id, err)
	}

	src := &sourceReader{r: r}
	n, err := io.Copy(f, src)
	if err != nil {
		if src.err != nil {
			return n, fmt.Errorf("%w: %v", ErrSource, src.err)
		}
		return n, fmt.Errorf("%w: writing %s: %v", ErrStorage, id, err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("%w: syncing %s: %v", ErrStorage, id, err)
	}
	return n, nil
}

// Open returns a reader over the first size bytes of the part file.
func (s *FileStore) Open(ctx context.Context, id string, size int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("opening %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorage, id, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, size), f}, nil
}

// Size returns the part file size.
func (s *FileStore) Size(ctx context.Context, id string) (int64, error) {
	info, err := os.Stat(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("stat %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("%w: stat %s: %v", ErrStorage, id, err)
	}
	return info.Size(), nil
}

// Remove deletes the part file.
func (s *FileStore) Remove(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", ErrStorage, id, err)
	}
	return nil
}

// List returns the ids of all part files in Dir.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, s.Dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, partSuffix))
	}
	return ids, nil
}

var _ Store = (*FileStore)(nil)
