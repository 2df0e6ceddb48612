package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryBackend implements StorageBackend with in-memory maps. Staged
// blocks and committed objects live until the process exits.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	// blocks maps object key -> block id -> staged block.
	blocks map[string]map[string]*memoryBlock
}

type memoryBlock struct {
	data []byte
	// committed is set when the last commit for the key referenced this
	// copy of the block. Restaging clears it.
	committed bool
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string][]byte),
		blocks:  make(map[string]map[string]*memoryBlock),
	}
}

// StageBlock buffers the block payload under key.
func (b *MemoryBackend) StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("reading block data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	staged, ok := b.blocks[key]
	if !ok {
		staged = make(map[string]*memoryBlock)
		b.blocks[key] = staged
	}
	staged[blockID] = &memoryBlock{data: payload}
	return nil
}

// CommitBlockList swaps in the concatenated blocks under the write lock, so
// readers see either the previous object or the new one. The listed blocks
// stay staged; blocks from the previous commit that the list drops are
// released.
func (b *MemoryBackend) CommitBlockList(ctx context.Context, key string, blockIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged := b.blocks[key]
	var buf bytes.Buffer
	listed := make(map[string]bool, len(blockIDs))
	for _, id := range blockIDs {
		blk, ok := staged[id]
		if !ok {
			return fmt.Errorf("committing %q: block %q: %w", key, id, ErrBlockNotFound)
		}
		buf.Write(blk.data)
		listed[id] = true
	}

	b.objects[key] = buf.Bytes()
	for id, blk := range staged {
		switch {
		case listed[id]:
			blk.committed = true
		case blk.committed:
			delete(staged, id)
		}
	}
	return nil
}

// UploadObject stores the full object in one call.
func (b *MemoryBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.objects[key]; exists && !overwrite {
		return fmt.Errorf("uploading %q: %w", key, ErrObjectExists)
	}
	b.objects[key] = data
	return nil
}

// GetObject returns a reader over the stored object. Stored slices are
// never mutated after commit.
func (b *MemoryBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	data, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// DeleteObject removes the object and the blocks it was committed from.
// Uncommitted blocks are kept. Idempotent.
func (b *MemoryBackend) DeleteObject(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	staged := b.blocks[key]
	for id, blk := range staged {
		if blk.committed {
			delete(staged, id)
		}
	}
	if len(staged) == 0 {
		delete(b.blocks, key)
	}
	return nil
}

// HealthCheck always succeeds.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// StagedBlockCount reports how many blocks are staged under key.
func (b *MemoryBackend) StagedBlockCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blocks[key])
}
