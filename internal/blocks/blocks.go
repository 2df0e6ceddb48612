// Package blocks implements the manual block protocol: clients stage
// independently transferred blocks under an object key, then commit an
// ordered list of block ids as the object's content.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/keylock"
	"github.com/bleepstore/bleepupload/internal/logging"
	"github.com/bleepstore/bleepupload/internal/metrics"
	"github.com/bleepstore/bleepupload/internal/storage"
)

const (
	// MaxBlockIDLength is the longest accepted block id, in bytes.
	MaxBlockIDLength = 1024
	// MaxBlocksPerCommit is the longest accepted block list.
	MaxBlocksPerCommit = 50000
)

// Validation messages. Field names match the request fields of the HTTP
// stage and commit operations.
const (
	msgRequired    = "This field is required."
	msgBlank       = "This field may not be blank."
	msgNoFile      = "No file was submitted."
	msgEmptyFile   = "The submitted file is empty."
	msgEmptyList   = "This list may not be empty."
	msgBlockIDLong = "Ensure this field has no more than 1024 characters."
	msgListLong    = "Ensure this field has no more than 50000 elements."
	msgKeyConflict = "Object key collides with an existing object path."
)

// StageRequest is one block to stage.
type StageRequest struct {
	ObjectKey string
	BlockID   string
	Payload   io.Reader
	// Size is the payload length in bytes.
	Size int64
}

// CommitRequest lists the blocks that make up an object, in byte order.
type CommitRequest struct {
	ObjectKey string
	BlockIDs  []string
}

// Stager writes uncommitted blocks to the durable store.
type Stager struct {
	store        storage.StorageBackend
	maxBlockSize int64
}

// NewStager returns a Stager. A maxBlockSize of zero or less disables the
// size cap.
func NewStager(store storage.StorageBackend, maxBlockSize int64) *Stager {
	return &Stager{store: store, maxBlockSize: maxBlockSize}
}

func validateKey(fe uperr.FieldErrors, key string) {
	if key == "" {
		fe.Add("filename", msgRequired)
		return
	}
	if reason := storage.ValidateKey(key); reason != "" {
		fe.Add("filename", reason)
	}
}

func (s *Stager) validate(req StageRequest) error {
	fe := uperr.FieldErrors{}
	validateKey(fe, req.ObjectKey)

	switch {
	case req.BlockID == "":
		fe.Add("block_id", msgRequired)
	case len(req.BlockID) > MaxBlockIDLength:
		fe.Add("block_id", msgBlockIDLong)
	}

	switch {
	case req.Payload == nil:
		fe.Add("file", msgNoFile)
	case req.Size <= 0:
		fe.Add("file", msgEmptyFile)
	case s.maxBlockSize > 0 && req.Size > s.maxBlockSize:
		fe.Add("file", fmt.Sprintf("Ensure this file is no larger than %s.", humanize.IBytes(uint64(s.maxBlockSize))))
	}
	return fe.Err()
}

// Stage validates req and stores the payload as an uncommitted block.
// Staging an existing block id again replaces its payload.
func (s *Stager) Stage(ctx context.Context, req StageRequest) (err error) {
	defer func() { metrics.BlocksStagedTotal.WithLabelValues(metrics.Result(err)).Inc() }()

	if err := s.validate(req); err != nil {
		return err
	}

	if err := s.store.StageBlock(ctx, req.ObjectKey, req.BlockID, io.LimitReader(req.Payload, req.Size), req.Size); err != nil {
		logging.FromContext(ctx).Error("staging block failed",
			"key", req.ObjectKey, "block_id", req.BlockID, "error", err)
		return uperr.Store("staging block failed", err)
	}

	metrics.BlockSize.Observe(float64(req.Size))
	metrics.BytesReceivedTotal.WithLabelValues("blocks").Add(float64(req.Size))
	logging.FromContext(ctx).Debug("block staged",
		"key", req.ObjectKey, "block_id", req.BlockID, "size", req.Size)
	return nil
}

// Assembler commits staged blocks into objects.
type Assembler struct {
	store storage.StorageBackend
	// inflight is nil when concurrent commits for one key are allowed.
	inflight *keylock.Set
}

// NewAssembler returns an Assembler. With rejectConcurrent set, a commit
// for a key that already has a commit in flight in this process fails with
// a conflict error instead of racing it.
func NewAssembler(store storage.StorageBackend, rejectConcurrent bool) *Assembler {
	a := &Assembler{store: store}
	if rejectConcurrent {
		a.inflight = &keylock.Set{}
	}
	return a
}

func validateCommit(req CommitRequest) error {
	fe := uperr.FieldErrors{}
	validateKey(fe, req.ObjectKey)

	switch {
	case req.BlockIDs == nil:
		fe.Add("block_ids", msgRequired)
	case len(req.BlockIDs) == 0:
		fe.Add("block_ids", msgEmptyList)
	case len(req.BlockIDs) > MaxBlocksPerCommit:
		fe.Add("block_ids", msgListLong)
	default:
		for i, id := range req.BlockIDs {
			switch {
			case id == "":
				fe.Add("block_ids", fmt.Sprintf("Item %d: %s", i, msgBlank))
			case len(id) > MaxBlockIDLength:
				fe.Add("block_ids", fmt.Sprintf("Item %d: %s", i, msgBlockIDLong))
			}
		}
	}
	return fe.Err()
}

// Commit validates req and atomically replaces the object at req.ObjectKey
// with the listed blocks in order. If a block is missing the previous
// object is left as it was.
func (a *Assembler) Commit(ctx context.Context, req CommitRequest) (err error) {
	defer func() { metrics.CommitsTotal.WithLabelValues(metrics.Result(err)).Inc() }()

	if err := validateCommit(req); err != nil {
		return err
	}

	if a.inflight != nil {
		unlock, ok := a.inflight.TryLock(req.ObjectKey)
		if !ok {
			return uperr.Conflictf("a commit for %q is already in progress", req.ObjectKey)
		}
		defer unlock()
	}

	logger := logging.FromContext(ctx)
	start := time.Now()
	if err := a.store.CommitBlockList(ctx, req.ObjectKey, req.BlockIDs); err != nil {
		if errors.Is(err, storage.ErrBlockNotFound) {
			logger.Info("commit references unstaged block", "key", req.ObjectKey, "error", err)
			return uperr.MissingBlock("", err)
		}
		if errors.Is(err, storage.ErrKeyConflict) {
			logger.Info("commit key collides with an existing object", "key", req.ObjectKey, "error", err)
			return uperr.Validation("filename", msgKeyConflict)
		}
		logger.Error("commit failed", "key", req.ObjectKey, "error", err)
		return uperr.Store("committing block list failed", err)
	}

	metrics.CommitBlocks.Observe(float64(len(req.BlockIDs)))
	logger.Info("object committed",
		"key", req.ObjectKey, "blocks", len(req.BlockIDs), "duration", time.Since(start))
	return nil
}
