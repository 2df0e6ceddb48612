package resumable

import (
	"context"
	"fmt"
	"time"

	"github.com/bleepstore/bleepupload/internal/buffer"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/metrics"
	"github.com/bleepstore/bleepupload/internal/storage"
)

// CompletionHandler moves a fully received buffer into the durable store.
type CompletionHandler struct {
	buffers buffer.Store
	store   storage.StorageBackend
}

// NewCompletionHandler returns a handler reading from buffers and writing
// to store.
func NewCompletionHandler(buffers buffer.Store, store storage.StorageBackend) *CompletionHandler {
	return &CompletionHandler{buffers: buffers, store: store}
}

// Transfer uploads the session's buffer as one object under its key,
// replacing any existing object. It does not touch the buffer or the record.
func (h *CompletionHandler) Transfer(ctx context.Context, rec *metadata.SessionRecord) (err error) {
	start := time.Now()
	defer func() {
		metrics.CompletionDuration.WithLabelValues(metrics.Result(err)).Observe(time.Since(start).Seconds())
	}()

	r, err := h.buffers.Open(ctx, rec.UploadID, rec.Length)
	if err != nil {
		return fmt.Errorf("opening buffer: %w", err)
	}
	defer r.Close()

	if err := h.store.UploadObject(ctx, rec.ObjectKey, r, rec.Length, true); err != nil {
		return fmt.Errorf("uploading %q: %w", rec.ObjectKey, err)
	}
	return nil
}
