package resumable

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bleepstore/bleepupload/internal/buffer"
	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/logging"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/metrics"
)

// Local storage is reclaimed as follows:
//   - a failure while receiving bytes removes the buffer at once and marks
//     the session errored;
//   - a failure during the final transfer keeps the buffer for
//     RetryCompletion;
//   - a successful transfer removes the buffer;
//   - Reap removes whatever is left once a session's retention passes.

// dropBuffer removes a buffer. Failures are logged only.
func (m *Manager) dropBuffer(ctx context.Context, uploadID string) {
	if err := m.buffers.Remove(ctx, uploadID); err != nil {
		logging.FromContext(ctx).Warn("removing upload buffer failed",
			"upload_id", uploadID, "error", err)
	}
}

// markErrored records cause on the session, conditional on its offset
// still being rec.Offset.
func (m *Manager) markErrored(ctx context.Context, rec *metadata.SessionRecord, cause error) {
	now := m.now().UTC()
	next := rec.Clone()
	next.State = metadata.StateErrored
	next.Failure = cause.Error()
	next.UpdatedAt = now
	if err := m.sessions.UpdateSession(ctx, next, rec.Offset); err != nil {
		logging.FromContext(ctx).Error("marking upload errored failed",
			"upload_id", rec.UploadID, "cause", cause, "error", err)
	}
	metrics.SessionsTotal.WithLabelValues("errored").Inc()
}

// receiveFailed handles a failure before all bytes arrived. The partial
// data has no path to completion, so the buffer goes immediately.
func (m *Manager) receiveFailed(ctx context.Context, rec *metadata.SessionRecord, cause error) {
	logging.FromContext(ctx).Error("receiving chunk failed, discarding buffer",
		"upload_id", rec.UploadID, "offset", rec.Offset, "error", cause)
	m.dropBuffer(ctx, rec.UploadID)
	m.markErrored(ctx, rec, cause)
}

// transferFailed handles a failed final transfer. The buffer is kept.
func (m *Manager) transferFailed(ctx context.Context, rec *metadata.SessionRecord, cause error) {
	m.markErrored(ctx, rec, cause)
}

// Reap deletes sessions whose retention window has passed, along with
// their buffers. Sessions locked by an in-flight request are skipped and
// picked up on a later pass. It returns the number of sessions reclaimed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	expired, err := m.sessions.ListSessions(ctx, metadata.ListSessionsOptions{ExpiredBefore: m.now()})
	if err != nil {
		return 0, uperr.Store("listing expired sessions", err)
	}

	logger := logging.FromContext(ctx)
	reaped := 0
	for _, rec := range expired {
		if ctx.Err() != nil {
			return reaped, uperr.Store("reaping sessions", ctx.Err())
		}
		unlock, ok := m.locks.TryLock(rec.UploadID)
		if !ok {
			continue
		}
		err := m.buffers.Remove(ctx, rec.UploadID)
		if err == nil {
			err = m.sessions.DeleteSession(ctx, rec.UploadID)
		}
		unlock()
		if err != nil {
			logger.Warn("reaping session failed", "upload_id", rec.UploadID, "error", err)
			continue
		}
		reaped++
		metrics.SessionsTotal.WithLabelValues("reaped").Inc()
		logger.Info("session reaped", "upload_id", rec.UploadID, "state", rec.State, "expired_at", rec.ExpiresAt)
	}
	return reaped, nil
}

// RecoverStats counts what Recover repaired.
type RecoverStats struct {
	// OrphanedBuffers is the number of buffers removed because no session
	// owned them.
	OrphanedBuffers int
	// LostBuffers is the number of unfinished sessions marked errored
	// because their buffer was gone.
	LostBuffers int
}

// Recover reconciles buffers and sessions after a restart: buffers with no
// session are removed, and unfinished sessions whose buffer was lost are
// marked errored.
func (m *Manager) Recover(ctx context.Context) (RecoverStats, error) {
	logger := logging.FromContext(ctx)

	var stats RecoverStats
	ids, err := m.buffers.List(ctx)
	if err != nil {
		return stats, uperr.Store("listing upload buffers", err)
	}
	for _, id := range ids {
		rec, err := m.sessions.GetSession(ctx, id)
		if err != nil {
			return stats, uperr.Store("loading upload session", err)
		}
		if rec != nil {
			continue
		}
		if err := m.buffers.Remove(ctx, id); err != nil {
			logger.Warn("removing orphaned buffer failed", "upload_id", id, "error", err)
			continue
		}
		stats.OrphanedBuffers++
	}

	for _, state := range []metadata.SessionState{metadata.StateCreated, metadata.StateInProgress} {
		recs, err := m.sessions.ListSessions(ctx, metadata.ListSessionsOptions{State: state})
		if err != nil {
			return stats, uperr.Store("listing upload sessions", err)
		}
		for i := range recs {
			rec := &recs[i]
			if _, err := m.buffers.Size(ctx, rec.UploadID); errors.Is(err, buffer.ErrNotFound) {
				logger.Warn("upload buffer lost, marking session errored", "upload_id", rec.UploadID)
				m.markErrored(ctx, rec, errors.New("upload buffer lost after restart"))
				stats.LostBuffers++
			}
		}
	}
	return stats, nil
}

// Reaper runs Manager.Reap on a fixed interval.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewReaper returns a stopped Reaper.
func NewReaper(m *Manager, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		manager:  m,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to end it.
func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			ctx = logging.WithLogger(ctx, r.logger)
			n, err := r.manager.Reap(ctx)
			cancel()
			if err != nil {
				r.logger.Error("reaping sessions failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reaped expired sessions", "count", n)
			}
		}
	}
}

// Stop ends the loop and waits for an in-progress pass to finish. It is
// safe to call more than once, but only after Start.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
