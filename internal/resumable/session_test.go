package resumable

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bleepstore/bleepupload/internal/buffer"
	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/storage"
)

var errBusy = fmt.Errorf("503 ServerBusy")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyBackend fails UploadObject while uploadErr is set.
type flakyBackend struct {
	storage.StorageBackend

	mu        sync.Mutex
	uploadErr error
	uploads   int
}

func (b *flakyBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	b.mu.Lock()
	b.uploads++
	err := b.uploadErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.StorageBackend.UploadObject(ctx, key, r, size, overwrite)
}

func (b *flakyBackend) setUploadErr(err error) {
	b.mu.Lock()
	b.uploadErr = err
	b.mu.Unlock()
}

type fixture struct {
	m        *Manager
	sessions *metadata.MemoryStore
	buffers  *buffer.MemoryStore
	store    *flakyBackend
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: metadata.NewMemoryStore(),
		buffers:  buffer.NewMemoryStore(),
		store:    &flakyBackend{StorageBackend: storage.NewMemoryBackend()},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.m = NewManager(f.sessions, f.buffers, f.store, Config{
		MaxSize:   1 << 20,
		Retention: time.Hour,
	}, WithClock(f.clock.Now))
	return f
}

func (f *fixture) create(t *testing.T, length int64, key string) *metadata.SessionRecord {
	t.Helper()
	rec, err := f.m.Create(context.Background(), CreateRequest{
		Length:   length,
		Metadata: map[string]string{MetadataFilename: key},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func (f *fixture) write(id string, offset int64, data []byte) (*metadata.SessionRecord, error) {
	return f.m.WriteChunk(context.Background(), id, offset, bytes.NewReader(data), int64(len(data)))
}

func (f *fixture) object(t *testing.T, key string) []byte {
	t.Helper()
	rc, _, err := f.store.GetObject(context.Background(), key)
	if err != nil {
		t.Fatalf("GetObject(%s): %v", key, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return data
}

func chunk(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func wantKind(t *testing.T, err error, kind uperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := uperr.KindOf(err); got != kind {
		t.Fatalf("error kind = %s (%v), want %s", got, err, kind)
	}
}

func TestOffsetStrictness(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 300, "video.bin")
	if _, err := f.write(rec.UploadID, 0, chunk('a', 100)); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	for _, off := range []int64{50, 150} {
		_, err := f.write(rec.UploadID, off, chunk('x', 10))
		wantKind(t, err, uperr.KindConflict)
	}

	got, err := f.write(rec.UploadID, 100, chunk('b', 100))
	if err != nil {
		t.Fatalf("chunk at 100: %v", err)
	}
	if got.Offset != 200 || got.State != metadata.StateInProgress {
		t.Errorf("offset=%d state=%s, want 200 in_progress", got.Offset, got.State)
	}
}

func TestCompletionTrigger(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 300, "video.bin")
	if rec.State != metadata.StateCreated {
		t.Fatalf("new session state = %s", rec.State)
	}

	for i, b := range []byte{'a', 'b'} {
		got, err := f.write(rec.UploadID, int64(i*100), chunk(b, 100))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if got.State != metadata.StateInProgress {
			t.Fatalf("after chunk %d state = %s, want in_progress", i, got.State)
		}
		if _, _, err := f.store.GetObject(context.Background(), "video.bin"); !stderrors.Is(err, storage.ErrObjectNotFound) {
			t.Fatalf("object published early after chunk %d (err=%v)", i, err)
		}
	}

	got, err := f.write(rec.UploadID, 200, chunk('c', 100))
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if got.State != metadata.StateComplete || got.Offset != 300 {
		t.Fatalf("final state=%s offset=%d, want complete 300", got.State, got.Offset)
	}

	want := append(append(chunk('a', 100), chunk('b', 100)...), chunk('c', 100)...)
	if !bytes.Equal(f.object(t, "video.bin"), want) {
		t.Error("published object does not match the uploaded bytes")
	}
	if f.buffers.Has(rec.UploadID) {
		t.Error("buffer should be removed after a successful transfer")
	}
	if f.store.uploads != 1 {
		t.Errorf("UploadObject called %d times, want 1", f.store.uploads)
	}

	_, err = f.write(rec.UploadID, 300, chunk('d', 1))
	wantKind(t, err, uperr.KindConflict)
}

func TestCompletionOverwritesExistingObject(t *testing.T) {
	f := newFixture(t)
	f.store.UploadObject(context.Background(), "doc.txt", strings.NewReader("old"), 3, false)

	rec := f.create(t, 3, "doc.txt")
	if _, err := f.write(rec.UploadID, 0, []byte("new")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(f.object(t, "doc.txt")); got != "new" {
		t.Errorf("object = %q, want new", got)
	}
}

func TestTransferFailurePreservesBuffer(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 200, "report.pdf")
	if _, err := f.write(rec.UploadID, 0, chunk('a', 100)); err != nil {
		t.Fatal(err)
	}

	f.store.setUploadErr(errBusy)
	_, err := f.write(rec.UploadID, 100, chunk('b', 100))
	wantKind(t, err, uperr.KindStore)

	if !f.buffers.Has(rec.UploadID) {
		t.Fatal("buffer must be preserved after a failed final transfer")
	}
	got, _ := f.m.Status(context.Background(), rec.UploadID)
	if got.State != metadata.StateErrored || !strings.Contains(got.Failure, "ServerBusy") {
		t.Fatalf("state=%s failure=%q, want errored with cause", got.State, got.Failure)
	}
	if got.Offset != 200 {
		t.Errorf("offset = %d, want 200", got.Offset)
	}

	_, err = f.write(rec.UploadID, 200, chunk('c', 1))
	wantKind(t, err, uperr.KindGone)

	f.store.setUploadErr(nil)
	done, err := f.m.RetryCompletion(context.Background(), rec.UploadID)
	if err != nil {
		t.Fatalf("RetryCompletion: %v", err)
	}
	if done.State != metadata.StateComplete || done.Failure != "" {
		t.Errorf("after retry state=%s failure=%q", done.State, done.Failure)
	}
	if f.buffers.Has(rec.UploadID) {
		t.Error("buffer should be removed after a successful retry")
	}
	if len(f.object(t, "report.pdf")) != 200 {
		t.Error("retried object has the wrong size")
	}

	_, err = f.m.RetryCompletion(context.Background(), rec.UploadID)
	wantKind(t, err, uperr.KindConflict)
}

func TestTransferKeyConflictIsConflict(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 4, "archive/2026.tar")
	f.store.setUploadErr(fmt.Errorf("publishing %q: %w", rec.ObjectKey, storage.ErrKeyConflict))

	_, err := f.write(rec.UploadID, 0, chunk('z', 4))
	wantKind(t, err, uperr.KindConflict)
	if !strings.Contains(err.Error(), "collides with an existing object path") {
		t.Errorf("error = %q, want key conflict message", err)
	}
	if !f.buffers.Has(rec.UploadID) {
		t.Error("buffer must be preserved so the upload can be retried")
	}
}

func TestReceiveFailureRemovesBuffer(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 300, "video.bin")
	if _, err := f.write(rec.UploadID, 0, chunk('a', 100)); err != nil {
		t.Fatal(err)
	}

	f.buffers.FailWrites = true
	_, err := f.write(rec.UploadID, 100, chunk('b', 100))
	wantKind(t, err, uperr.KindStore)
	f.buffers.FailWrites = false

	if f.buffers.Has(rec.UploadID) {
		t.Fatal("buffer must be removed after a failure while receiving")
	}
	got, _ := f.sessions.GetSession(context.Background(), rec.UploadID)
	if got.State != metadata.StateErrored {
		t.Fatalf("state = %s, want errored", got.State)
	}

	_, err = f.write(rec.UploadID, 100, chunk('b', 100))
	wantKind(t, err, uperr.KindGone)
	_, err = f.m.RetryCompletion(context.Background(), rec.UploadID)
	wantKind(t, err, uperr.KindConflict)
}

// failingSessions fails UpdateSession while failUpdates is set.
type failingSessions struct {
	*metadata.MemoryStore
	failUpdates bool
}

func (s *failingSessions) UpdateSession(ctx context.Context, rec *metadata.SessionRecord, expected int64) error {
	if s.failUpdates && rec.State != metadata.StateErrored {
		return fmt.Errorf("redis: connection pool timeout")
	}
	return s.MemoryStore.UpdateSession(ctx, rec, expected)
}

func TestProgressPersistenceFailureRemovesBuffer(t *testing.T) {
	sessions := &failingSessions{MemoryStore: metadata.NewMemoryStore()}
	buffers := buffer.NewMemoryStore()
	m := NewManager(sessions, buffers, storage.NewMemoryBackend(), Config{Retention: time.Hour})
	ctx := context.Background()

	rec, err := m.Create(ctx, CreateRequest{Length: 10})
	if err != nil {
		t.Fatal(err)
	}
	sessions.failUpdates = true
	_, err = m.WriteChunk(ctx, rec.UploadID, 0, strings.NewReader("12345"), 5)
	wantKind(t, err, uperr.KindStore)

	if buffers.Has(rec.UploadID) {
		t.Error("buffer must be removed when progress cannot be persisted")
	}
	got, _ := sessions.GetSession(ctx, rec.UploadID)
	if got.State != metadata.StateErrored {
		t.Errorf("state = %s, want errored", got.State)
	}
}

func TestWriteChunkValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "small.bin")
	ctx := context.Background()

	_, err := f.write(rec.UploadID, 0, nil)
	wantKind(t, err, uperr.KindValidation)

	_, err = f.write(rec.UploadID, 0, chunk('x', 11))
	wantKind(t, err, uperr.KindTooLarge)

	// Unknown length: the overflow is only noticed while reading.
	_, err = f.m.WriteChunk(ctx, rec.UploadID, 0, bytes.NewReader(chunk('x', 12)), -1)
	wantKind(t, err, uperr.KindTooLarge)
	got, _ := f.m.Status(ctx, rec.UploadID)
	if got.Offset != 0 {
		t.Fatalf("offset after rejected chunk = %d, want 0", got.Offset)
	}

	_, err = f.m.WriteChunk(ctx, rec.UploadID, 0, strings.NewReader(""), -1)
	wantKind(t, err, uperr.KindValidation)

	if _, err := f.m.WriteChunk(ctx, rec.UploadID, 0, strings.NewReader("0123456789"), -1); err != nil {
		t.Fatalf("exact chunk with unknown length: %v", err)
	}
	if got := string(f.object(t, "small.bin")); got != "0123456789" {
		t.Errorf("object = %q; stray bytes from the rejected chunk leaked", got)
	}

	_, err = f.write("no-such-upload", 0, chunk('x', 1))
	wantKind(t, err, uperr.KindNotFound)
}

func TestShortBodyRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "short.bin")
	_, err := f.m.WriteChunk(context.Background(), rec.UploadID, 0, strings.NewReader("abc"), 5)
	wantKind(t, err, uperr.KindValidation)
	got, _ := f.m.Status(context.Background(), rec.UploadID)
	if got.Offset != 0 || got.State != metadata.StateCreated {
		t.Errorf("offset=%d state=%s after short body", got.Offset, got.State)
	}
}

type brokenBody struct {
	data []byte
	done bool
}

func (b *brokenBody) Read(p []byte) (int, error) {
	if !b.done {
		b.done = true
		return copy(p, b.data), nil
	}
	return 0, fmt.Errorf("connection reset by peer")
}

func TestClientDisconnectKeepsSession(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 6, "resume.bin")
	ctx := context.Background()

	_, err := f.m.WriteChunk(ctx, rec.UploadID, 0, &brokenBody{data: []byte("abc")}, 6)
	wantKind(t, err, uperr.KindStore)

	got, err := f.m.Status(ctx, rec.UploadID)
	if err != nil {
		t.Fatalf("Status after disconnect: %v", err)
	}
	if got.State != metadata.StateCreated || got.Offset != 0 {
		t.Fatalf("state=%s offset=%d, want created 0", got.State, got.Offset)
	}
	if !f.buffers.Has(rec.UploadID) {
		t.Fatal("a client disconnect must not discard the buffer")
	}

	if _, err := f.write(rec.UploadID, 0, []byte("abcdef")); err != nil {
		t.Fatalf("resumed write: %v", err)
	}
	if got := string(f.object(t, "resume.bin")); got != "abcdef" {
		t.Errorf("object = %q", got)
	}
}

// gatedBody blocks the first Read until released.
type gatedBody struct {
	started chan struct{}
	release chan struct{}
	r       io.Reader
	once    sync.Once
}

func (g *gatedBody) Read(p []byte) (int, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.r.Read(p)
}

func TestConcurrentWriteRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "busy.bin")
	ctx := context.Background()

	body := &gatedBody{started: make(chan struct{}), release: make(chan struct{}), r: strings.NewReader("12345")}
	done := make(chan error, 1)
	go func() {
		_, err := f.m.WriteChunk(ctx, rec.UploadID, 0, body, 5)
		done <- err
	}()
	<-body.started

	_, err := f.write(rec.UploadID, 0, []byte("12345"))
	wantKind(t, err, uperr.KindConflict)
	wantKind(t, f.m.Abort(ctx, rec.UploadID), uperr.KindConflict)

	close(body.release)
	if err := <-done; err != nil {
		t.Fatalf("first write: %v", err)
	}
	got, _ := f.m.Status(ctx, rec.UploadID)
	if got.Offset != 5 {
		t.Errorf("offset = %d, want 5", got.Offset)
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.m.Create(ctx, CreateRequest{Length: 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ObjectKey != rec.UploadID {
		t.Errorf("key without filename = %q, want upload id %q", rec.ObjectKey, rec.UploadID)
	}
	if !rec.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Errorf("expires_at = %v", rec.ExpiresAt)
	}
	if !f.buffers.Has(rec.UploadID) {
		t.Error("buffer not allocated")
	}

	tests := []struct {
		name string
		req  CreateRequest
		kind uperr.Kind
	}{
		{"negative length", CreateRequest{Length: -1}, uperr.KindValidation},
		{"over max size", CreateRequest{Length: 1<<20 + 1}, uperr.KindTooLarge},
		{"bad filename", CreateRequest{Length: 1, Metadata: map[string]string{MetadataFilename: "/abs/path"}}, uperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Create(ctx, tt.req)
			wantKind(t, err, tt.kind)
		})
	}
}

func TestZeroLengthCompletesAtCreate(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 0, "empty.txt")
	if rec.State != metadata.StateComplete {
		t.Fatalf("state = %s, want complete", rec.State)
	}
	if data := f.object(t, "empty.txt"); len(data) != 0 {
		t.Errorf("object has %d bytes, want 0", len(data))
	}
	if f.buffers.Has(rec.UploadID) {
		t.Error("buffer should be removed")
	}
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "gone.bin")
	ctx := context.Background()
	f.write(rec.UploadID, 0, chunk('a', 4))

	if err := f.m.Abort(ctx, rec.UploadID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if f.buffers.Has(rec.UploadID) {
		t.Error("buffer should be removed")
	}
	_, err := f.m.Status(ctx, rec.UploadID)
	wantKind(t, err, uperr.KindNotFound)
	wantKind(t, f.m.Abort(ctx, rec.UploadID), uperr.KindNotFound)
}

func TestExpiredSessionIsGone(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "late.bin")
	f.clock.Advance(2 * time.Hour)

	_, err := f.write(rec.UploadID, 0, chunk('a', 1))
	wantKind(t, err, uperr.KindGone)
	_, err = f.m.Status(context.Background(), rec.UploadID)
	wantKind(t, err, uperr.KindGone)
}

func TestWriteRefreshesExpiry(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "slow.bin")

	f.clock.Advance(50 * time.Minute)
	got, err := f.write(rec.UploadID, 0, chunk('a', 2))
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(50 * time.Minute)
	if _, err := f.write(rec.UploadID, 2, chunk('b', 2)); err != nil {
		t.Fatalf("write within the refreshed window: %v", err)
	}
	if !got.ExpiresAt.After(rec.ExpiresAt) {
		t.Errorf("expires_at not refreshed: %v <= %v", got.ExpiresAt, rec.ExpiresAt)
	}
}
