// Package resumable implements the byte-offset upload protocol: a client
// declares a total length, appends bytes at strictly increasing offsets,
// and the upload is transferred to the durable store once the declared
// length is reached.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/bleepstore/bleepupload/internal/buffer"
	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/keylock"
	"github.com/bleepstore/bleepupload/internal/logging"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/metrics"
	"github.com/bleepstore/bleepupload/internal/storage"
)

// MetadataFilename is the metadata entry naming the target object key.
const MetadataFilename = "filename"

// Config holds the session limits.
type Config struct {
	// MaxSize caps the declared length. Zero means no limit.
	MaxSize int64
	// Retention is how long a session lives after its last accepted write.
	Retention time.Duration
}

// Manager drives resumable upload sessions. Writes to one upload are
// serialized in process by a try-lock and across processes by the
// session store's offset compare-and-set.
type Manager struct {
	sessions   metadata.SessionStore
	buffers    buffer.Store
	completion *CompletionHandler
	cfg        Config

	locks keylock.Set
	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the random upload id generator.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager wires a Manager over the session store, the local buffers and
// the durable store that completed uploads are published to.
func NewManager(sessions metadata.SessionStore, buffers buffer.Store, store storage.StorageBackend, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		sessions:   sessions,
		buffers:    buffers,
		completion: NewCompletionHandler(buffers, store),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the session limits.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateRequest declares a new upload.
type CreateRequest struct {
	Length   int64
	Metadata map[string]string
}

// Create validates req, allocates the buffer and persists a new session.
// A zero-length upload is completed before Create returns.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*metadata.SessionRecord, error) {
	if req.Length < 0 {
		return nil, uperr.Validationf("upload length must not be negative")
	}
	if m.cfg.MaxSize > 0 && req.Length > m.cfg.MaxSize {
		return nil, uperr.TooLargef("upload length %d exceeds the maximum of %d bytes", req.Length, m.cfg.MaxSize)
	}

	id := m.newID()
	key := req.Metadata[MetadataFilename]
	if key == "" {
		key = id
	}
	if reason := storage.ValidateKey(key); reason != "" {
		return nil, uperr.Validation(MetadataFilename, reason)
	}

	unlock, ok := m.locks.TryLock(id)
	if !ok {
		return nil, uperr.Conflictf("upload %s is busy", id)
	}
	defer unlock()

	if err := m.buffers.Create(ctx, id); err != nil {
		return nil, uperr.Store("allocating upload buffer", err)
	}

	now := m.now().UTC()
	rec := &metadata.SessionRecord{
		UploadID:  id,
		ObjectKey: key,
		Metadata:  req.Metadata,
		Length:    req.Length,
		State:     metadata.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.Retention),
	}
	if err := m.sessions.CreateSession(ctx, rec); err != nil {
		m.dropBuffer(ctx, id)
		return nil, uperr.Store("persisting upload session", err)
	}

	metrics.SessionsTotal.WithLabelValues("created").Inc()
	logging.FromContext(ctx).Info("upload created", "upload_id", id, "key", key, "length", req.Length)

	if req.Length == 0 {
		return m.complete(ctx, rec)
	}
	return rec, nil
}

// WriteChunk appends body to the upload at offset. contentLength is the
// chunk size, or -1 if unknown. It returns the updated session; when the
// write reaches the declared length the upload is transferred to the
// durable store before WriteChunk returns.
func (m *Manager) WriteChunk(ctx context.Context, uploadID string, offset int64, body io.Reader, contentLength int64) (rec *metadata.SessionRecord, err error) {
	defer func() { metrics.ChunksTotal.WithLabelValues(metrics.Result(err)).Inc() }()

	unlock, ok := m.locks.TryLock(uploadID)
	if !ok {
		return nil, uperr.Conflictf("upload %s is being written by another request", uploadID)
	}
	defer unlock()

	rec, err = m.load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case metadata.StateComplete:
		return nil, uperr.Conflictf("upload %s is already complete", uploadID)
	case metadata.StateErrored:
		return nil, uperr.Gonef("upload %s failed: %s", uploadID, rec.Failure)
	}
	if offset != rec.Offset {
		return nil, uperr.Conflictf("offset %d does not match the current upload offset %d", offset, rec.Offset)
	}
	if contentLength == 0 {
		return nil, uperr.Validationf("chunk must not be empty")
	}
	remaining := rec.Length - rec.Offset
	if contentLength > remaining {
		return nil, uperr.TooLargef("chunk of %d bytes exceeds the %d bytes remaining", contentLength, remaining)
	}

	logger := logging.FromContext(ctx).With("upload_id", uploadID)

	n, err := m.buffers.Append(ctx, uploadID, offset, io.LimitReader(body, remaining))
	switch {
	case errors.Is(err, buffer.ErrSource):
		// The client went away mid-chunk. The offset stays put; the next
		// Append discards whatever partial bytes landed.
		logger.Info("chunk body interrupted", "offset", offset, "received", n, "error", err)
		return nil, uperr.Store("reading chunk", err)
	case errors.Is(err, buffer.ErrNotFound):
		m.receiveFailed(ctx, rec, fmt.Errorf("upload buffer missing: %w", err))
		return nil, uperr.Gonef("upload %s buffer is gone", uploadID)
	case err != nil:
		m.receiveFailed(ctx, rec, err)
		return nil, uperr.Store("writing chunk", err)
	}

	if n == 0 {
		return nil, uperr.Validationf("chunk must not be empty")
	}
	if contentLength > 0 && n < contentLength {
		return nil, uperr.Validationf("chunk ended after %d of %d bytes", n, contentLength)
	}
	if contentLength < 0 && n == remaining && hasMore(body) {
		return nil, uperr.TooLargef("chunk exceeds the %d bytes remaining", remaining)
	}

	now := m.now().UTC()
	next := rec.Clone()
	next.Offset += n
	next.State = metadata.StateInProgress
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(m.cfg.Retention)

	if err := m.sessions.UpdateSession(ctx, next, rec.Offset); err != nil {
		switch {
		case errors.Is(err, metadata.ErrOffsetMismatch):
			return nil, uperr.Conflictf("upload %s was advanced concurrently", uploadID)
		case errors.Is(err, metadata.ErrSessionNotFound):
			m.dropBuffer(ctx, uploadID)
			return nil, uperr.NotFoundf("upload %s not found", uploadID)
		}
		m.receiveFailed(ctx, rec, err)
		return nil, uperr.Store("persisting upload progress", err)
	}

	metrics.BytesReceivedTotal.WithLabelValues("resumable").Add(float64(n))
	logger.Debug("chunk accepted", "offset", next.Offset, "length", next.Length)

	if next.Offset == next.Length {
		return m.complete(ctx, next)
	}
	return next, nil
}

// hasMore reports whether r still has data after the limited read.
func hasMore(r io.Reader) bool {
	var p [1]byte
	n, _ := io.ReadFull(r, p[:])
	return n > 0
}

// Status returns the session, which carries the offset to resume from.
func (m *Manager) Status(ctx context.Context, uploadID string) (*metadata.SessionRecord, error) {
	return m.load(ctx, uploadID)
}

// Abort discards the upload's buffer and session.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	unlock, ok := m.locks.TryLock(uploadID)
	if !ok {
		return uperr.Conflictf("upload %s is being written by another request", uploadID)
	}
	defer unlock()

	rec, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return uperr.Store("loading upload session", err)
	}
	if rec == nil {
		return uperr.NotFoundf("upload %s not found", uploadID)
	}
	if err := m.buffers.Remove(ctx, uploadID); err != nil {
		return uperr.Store("removing upload buffer", err)
	}
	if err := m.sessions.DeleteSession(ctx, uploadID); err != nil {
		return uperr.Store("deleting upload session", err)
	}

	metrics.SessionsTotal.WithLabelValues("aborted").Inc()
	logging.FromContext(ctx).Info("upload aborted", "upload_id", uploadID, "offset", rec.Offset)
	return nil
}

// RetryCompletion re-runs the final transfer of an upload whose bytes were
// all received but whose transfer failed. The preserved buffer is used, so
// the client does not resend anything.
func (m *Manager) RetryCompletion(ctx context.Context, uploadID string) (*metadata.SessionRecord, error) {
	unlock, ok := m.locks.TryLock(uploadID)
	if !ok {
		return nil, uperr.Conflictf("upload %s is busy", uploadID)
	}
	defer unlock()

	rec, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return nil, uperr.Store("loading upload session", err)
	}
	if rec == nil {
		return nil, uperr.NotFoundf("upload %s not found", uploadID)
	}
	if rec.State == metadata.StateComplete {
		return nil, uperr.Conflictf("upload %s is already complete", uploadID)
	}
	if rec.Offset != rec.Length {
		return nil, uperr.Conflictf("upload %s has received %d of %d bytes and is not awaiting transfer", uploadID, rec.Offset, rec.Length)
	}
	if size, err := m.buffers.Size(ctx, uploadID); err != nil || size < rec.Length {
		return nil, uperr.Gonef("upload %s buffer is no longer available", uploadID)
	}
	return m.complete(ctx, rec)
}

// List returns sessions matching opts.
func (m *Manager) List(ctx context.Context, opts metadata.ListSessionsOptions) ([]metadata.SessionRecord, error) {
	recs, err := m.sessions.ListSessions(ctx, opts)
	if err != nil {
		return nil, uperr.Store("listing upload sessions", err)
	}
	return recs, nil
}

// load fetches a live session. Sessions past their retention window that
// the reaper has not reclaimed yet are reported as gone.
func (m *Manager) load(ctx context.Context, uploadID string) (*metadata.SessionRecord, error) {
	rec, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return nil, uperr.Store("loading upload session", err)
	}
	if rec == nil {
		return nil, uperr.NotFoundf("upload %s not found", uploadID)
	}
	if rec.State != metadata.StateComplete && rec.Expired(m.now()) {
		return nil, uperr.Gonef("upload %s has expired", uploadID)
	}
	return rec, nil
}

// complete transfers the buffer and records the outcome. The caller holds
// the upload's lock and rec.Offset equals rec.Length.
func (m *Manager) complete(ctx context.Context, rec *metadata.SessionRecord) (*metadata.SessionRecord, error) {
	logger := logging.FromContext(ctx).With("upload_id", rec.UploadID, "key", rec.ObjectKey)

	if err := m.completion.Transfer(ctx, rec); err != nil {
		logger.Error("final transfer failed, buffer preserved", "error", err)
		m.transferFailed(ctx, rec, err)
		if errors.Is(err, storage.ErrKeyConflict) {
			return nil, uperr.Conflictf("object key %q collides with an existing object path", rec.ObjectKey)
		}
		return nil, uperr.Store("transferring upload to store", err)
	}

	now := m.now().UTC()
	done := rec.Clone()
	done.State = metadata.StateComplete
	done.Failure = ""
	done.UpdatedAt = now
	done.ExpiresAt = now.Add(m.cfg.Retention)
	if err := m.sessions.UpdateSession(ctx, done, rec.Offset); err != nil {
		// The object is published; the buffer stays so a retry can
		// re-record the outcome.
		logger.Error("recording completion failed", "error", err)
		return nil, uperr.Store("recording upload completion", err)
	}

	m.dropBuffer(ctx, rec.UploadID)
	metrics.SessionsTotal.WithLabelValues("completed").Inc()
	logger.Info("upload complete", "length", rec.Length)
	return done, nil
}
