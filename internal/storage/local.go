package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalBackend implements StorageBackend on the local filesystem.
//
// Layout under RootDir:
//
//	objects/{key}                          committed objects
//	.blocks/{sha256(key)}/{sha256(block)}  staged blocks
//	.blocks/{sha256(key)}/committed.json   blocks of the last commit
//	.tmp/                                  in-progress writes
//
// Every write goes to .tmp first, is fsynced, then renamed into place, so a
// crash never leaves a partially written object or block visible.
//
// Concurrent commits to the same key are not serialized here; the block
// protocol's assembler admits one commit per key at a time.
type LocalBackend struct {
	// RootDir is the base directory for all data.
	RootDir string

	// afterAssemble, when set, runs once a commit has assembled its temp
	// file and before the object is published.
	afterAssemble func()
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the
// directory layout if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	for _, dir := range []string{"objects", ".blocks", ".tmp"} {
		p := filepath.Join(rootDir, dir)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory %q: %w", p, err)
		}
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. This is called on
// startup as part of crash-only recovery. Any temp files left behind indicate
// incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) objectPath(key string) string {
	return filepath.Join(b.RootDir, "objects", filepath.FromSlash(key))
}

func (b *LocalBackend) blockDir(key string) string {
	return filepath.Join(b.RootDir, ".blocks", digest(key))
}

func (b *LocalBackend) blockPath(key, blockID string) string {
	return filepath.Join(b.blockDir(key), digest(blockID))
}

func (b *LocalBackend) manifestPath(key string) string {
	return filepath.Join(b.blockDir(key), manifestName)
}

// blockVersion identifies one staged copy of a block. Staging renames a
// fresh file into place, so a restaged block gets a new version.
func blockVersion(info os.FileInfo) string {
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size())
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uuid.NewString())
}

// writeTemp copies r into a fresh temp file and fsyncs it. On success the
// caller owns the returned path.
func (b *LocalBackend) writeTemp(r io.Reader) (string, int64, error) {
	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}

	n, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("writing data: %w", err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	return tmpPath, n, nil
}

// StageBlock writes the block to its staging path atomically.
func (b *LocalBackend) StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error {
	dir := b.blockDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating block directory: %w", err)
	}

	tmpPath, _, err := b.writeTemp(data)
	if err != nil {
		return fmt.Errorf("staging block %q: %w", blockID, err)
	}
	// Filesystem timestamps can be coarser than the clock; stamp the
	// block so blockVersion tells restages apart.
	now := time.Now()
	if err := os.Chtimes(tmpPath, now, now); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stamping staged block: %w", err)
	}
	if err := os.Rename(tmpPath, b.blockPath(key, blockID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming staged block: %w", err)
	}
	return nil
}

// CommitBlockList concatenates staged blocks into a temp file and renames
// it over the object. All blocks are checked before any byte is copied.
// The listed blocks stay staged; blocks of the previous commit that the
// list drops are removed unless they were restaged since.
func (b *LocalBackend) CommitBlockList(ctx context.Context, key string, blockIDs []string) error {
	for _, id := range blockIDs {
		if _, err := os.Stat(b.blockPath(key, id)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("committing %q: block %q: %w", key, id, ErrBlockNotFound)
			}
			return fmt.Errorf("checking block %q: %w", id, err)
		}
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file for assembly: %w", err)
	}
	fail := func(err error) error {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}

	next := make(commitManifest, len(blockIDs))
	for _, id := range blockIDs {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		blockFile, err := os.Open(b.blockPath(key, id))
		if err != nil {
			if os.IsNotExist(err) {
				return fail(fmt.Errorf("committing %q: block %q: %w", key, id, ErrBlockNotFound))
			}
			return fail(fmt.Errorf("opening block %q: %w", id, err))
		}
		info, err := blockFile.Stat()
		if err == nil {
			next[id] = blockVersion(info)
			_, err = io.Copy(tmpFile, blockFile)
		}
		blockFile.Close()
		if err != nil {
			return fail(fmt.Errorf("copying block %q: %w", id, err))
		}
	}

	if err := tmpFile.Sync(); err != nil {
		return fail(fmt.Errorf("syncing assembled file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing assembled temp file: %w", err)
	}
	if b.afterAssemble != nil {
		b.afterAssemble()
	}

	objPath := b.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return b.publishError(key, objPath, "creating parent directories", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return b.publishError(key, objPath, "renaming assembled file", err)
	}

	b.recordCommit(key, next)
	return nil
}

// recordCommit replaces the key's manifest with next and removes the
// blocks next supersedes. Failures only leave blocks behind and are
// logged.
func (b *LocalBackend) recordCommit(key string, next commitManifest) {
	prev, err := b.readManifest(key)
	if err != nil {
		slog.Warn("Failed to read committed block manifest", "key", key, "error", err)
		prev = commitManifest{}
	}

	if next == nil {
		if err := os.Remove(b.manifestPath(key)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove committed block manifest", "key", key, "error", err)
			return
		}
	} else {
		err := os.MkdirAll(b.blockDir(key), 0o755)
		var tmpPath string
		if err == nil {
			tmpPath, _, err = b.writeTemp(bytes.NewReader(next.encode()))
		}
		if err == nil {
			if err = os.Rename(tmpPath, b.manifestPath(key)); err != nil {
				os.Remove(tmpPath)
			}
		}
		if err != nil {
			slog.Warn("Failed to write committed block manifest", "key", key, "error", err)
			return
		}
	}

	for _, id := range prev.superseded(next) {
		path := b.blockPath(key, id)
		info, err := os.Stat(path)
		if err != nil || blockVersion(info) != prev[id] {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove superseded block", "key", key, "error", err)
		}
	}
	// Only succeeds once nothing is staged under the key.
	os.Remove(b.blockDir(key))
}

func (b *LocalBackend) readManifest(key string) (commitManifest, error) {
	data, err := os.ReadFile(b.manifestPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return commitManifest{}, nil
		}
		return nil, err
	}
	return decodeManifest(data)
}

// publishError maps a failure to place the object at objPath. A key that
// is a path prefix of an existing object, or the reverse, surfaces as
// ErrKeyConflict.
func (b *LocalBackend) publishError(key, objPath, op string, err error) error {
	if b.keyConflict(objPath) {
		return fmt.Errorf("publishing %q: %w", key, ErrKeyConflict)
	}
	return fmt.Errorf("%s for %q: %w", op, key, err)
}

func (b *LocalBackend) keyConflict(objPath string) bool {
	if info, err := os.Stat(objPath); err == nil && info.IsDir() {
		return true
	}
	root := filepath.Join(b.RootDir, "objects")
	for dir := filepath.Dir(objPath); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

// UploadObject writes the object atomically. Without overwrite, the temp
// file is hard-linked into place, which fails if the key already exists.
func (b *LocalBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	objPath := b.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return b.publishError(key, objPath, "creating parent directories", err)
	}

	tmpPath, _, err := b.writeTemp(r)
	if err != nil {
		return fmt.Errorf("uploading %q: %w", key, err)
	}

	if !overwrite {
		err := os.Link(tmpPath, objPath)
		os.Remove(tmpPath)
		if err != nil {
			if b.keyConflict(objPath) {
				return fmt.Errorf("uploading %q: %w", key, ErrKeyConflict)
			}
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("uploading %q: %w", key, ErrObjectExists)
			}
			return fmt.Errorf("linking object %q: %w", key, err)
		}
		return nil
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return b.publishError(key, objPath, "renaming temp file to final path", err)
	}
	return nil
}

// GetObject opens the object file for reading.
func (b *LocalBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	file, err := os.Open(b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("opening object file %q: %w", key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat object file %q: %w", key, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
	}
	return file, info.Size(), nil
}

// DeleteObject removes the object file, any empty parent directories and
// the blocks the object was committed from.
func (b *LocalBackend) DeleteObject(ctx context.Context, key string) error {
	objPath := b.objectPath(key)
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q: %w", key, err)
	}
	cleanEmptyParents(filepath.Dir(objPath), filepath.Join(b.RootDir, "objects"))
	b.recordCommit(key, nil)
	return nil
}

// HealthCheck verifies that the local storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
