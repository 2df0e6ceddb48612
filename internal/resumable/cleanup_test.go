package resumable

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bleepstore/bleepupload/internal/metadata"
)

func TestReap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.create(t, 10, "stale.bin")
	f.write(stale.UploadID, 0, chunk('a', 3))

	f.store.setUploadErr(errBusy)
	failed := f.create(t, 2, "failed.bin")
	f.write(failed.UploadID, 0, chunk('a', 2))
	f.store.setUploadErr(nil)

	done := f.create(t, 1, "done.bin")
	f.write(done.UploadID, 0, chunk('a', 1))

	f.clock.Advance(30 * time.Minute)
	fresh := f.create(t, 10, "fresh.bin")

	f.clock.Advance(45 * time.Minute)
	n, err := f.m.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 3 {
		t.Errorf("reaped %d sessions, want 3", n)
	}

	left, _ := f.sessions.ListSessions(ctx, metadata.ListSessionsOptions{})
	var ids []string
	for _, r := range left {
		ids = append(ids, r.UploadID)
	}
	if diff := cmp.Diff([]string{fresh.UploadID}, ids); diff != "" {
		t.Errorf("remaining sessions mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{stale.UploadID, failed.UploadID} {
		if f.buffers.Has(id) {
			t.Errorf("buffer %s survived reaping", id)
		}
	}
	if !f.buffers.Has(fresh.UploadID) {
		t.Error("fresh buffer must not be reaped")
	}
	// The published object is not touched by reaping.
	if got := string(f.object(t, "done.bin")); got != "a" {
		t.Errorf("done.bin = %q", got)
	}
}

func TestReapSkipsLockedSession(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "busy.bin")
	f.clock.Advance(2 * time.Hour)

	unlock, _ := f.m.locks.TryLock(rec.UploadID)
	n, err := f.m.Reap(context.Background())
	unlock()
	if err != nil || n != 0 {
		t.Fatalf("Reap = %d, %v; want 0, nil", n, err)
	}

	if n, _ := f.m.Reap(context.Background()); n != 1 {
		t.Errorf("second Reap = %d, want 1", n)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := f.create(t, 10, "live.bin")
	lost := f.create(t, 10, "lost.bin")
	f.buffers.Create(ctx, "orphan-1")
	f.buffers.Create(ctx, "orphan-2")
	f.buffers.Remove(ctx, lost.UploadID)

	stats, err := f.m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if diff := cmp.Diff(RecoverStats{OrphanedBuffers: 2, LostBuffers: 1}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	ids, _ := f.buffers.List(ctx)
	if diff := cmp.Diff([]string{live.UploadID}, ids); diff != "" {
		t.Errorf("buffers mismatch (-want +got):\n%s", diff)
	}
	got, _ := f.sessions.GetSession(ctx, lost.UploadID)
	if got.State != metadata.StateErrored {
		t.Errorf("lost session state = %s, want errored", got.State)
	}
	got, _ = f.sessions.GetSession(ctx, live.UploadID)
	if got.State != metadata.StateCreated {
		t.Errorf("live session state = %s, want created", got.State)
	}
}

func TestReaperRunsAndStops(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, 10, "old.bin")
	f.clock.Advance(2 * time.Hour)

	r := NewReaper(f.m, 5*time.Millisecond, nil)
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := f.sessions.GetSession(context.Background(), rec.UploadID)
		if got == nil {
			break
		}
		if time.Now().After(deadline) {
			r.Stop()
			t.Fatal("reaper did not reclaim the expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Stop()
	r.Stop()
}
