package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func readObject(t *testing.T, b StorageBackend, key string) string {
	t.Helper()
	rc, size, err := b.GetObject(context.Background(), key)
	if err != nil {
		t.Fatalf("GetObject(%q): %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %q: %v", key, err)
	}
	if int64(len(data)) != size {
		t.Errorf("GetObject(%q) size = %d, read %d bytes", key, size, len(data))
	}
	return string(data)
}

func stage(t *testing.T, b StorageBackend, key, id, payload string) {
	t.Helper()
	if err := b.StageBlock(context.Background(), key, id, strings.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("StageBlock(%q, %q): %v", key, id, err)
	}
}

// runBackendSuite exercises the StorageBackend contract.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) StorageBackend) {
	ctx := context.Background()

	t.Run("CommitConcatenatesInListOrder", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "report.txt", "b1", "foo")
		stage(t, b, "report.txt", "b2", "bar")
		stage(t, b, "report.txt", "b3", "baz")

		if err := b.CommitBlockList(ctx, "report.txt", []string{"b1", "b2", "b3"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if got := readObject(t, b, "report.txt"); got != "foobarbaz" {
			t.Errorf("object = %q, want %q", got, "foobarbaz")
		}
	})

	t.Run("CommitOrderDefinesBytes", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "a.bin", "x", "A")
		stage(t, b, "a.bin", "y", "B")
		if err := b.CommitBlockList(ctx, "a.bin", []string{"y", "x"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if got := readObject(t, b, "a.bin"); got != "BA" {
			t.Errorf("object = %q, want %q", got, "BA")
		}
	})

	t.Run("StageOrderIrrelevant", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "o.txt", "b3", "baz")
		stage(t, b, "o.txt", "b1", "foo")
		stage(t, b, "o.txt", "b2", "bar")
		if err := b.CommitBlockList(ctx, "o.txt", []string{"b1", "b2", "b3"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if got := readObject(t, b, "o.txt"); got != "foobarbaz" {
			t.Errorf("object = %q", got)
		}
	})

	t.Run("RestageOverwrites", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "r.txt", "b1", "old")
		stage(t, b, "r.txt", "b1", "new")
		if err := b.CommitBlockList(ctx, "r.txt", []string{"b1"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if got := readObject(t, b, "r.txt"); got != "new" {
			t.Errorf("object = %q, want %q", got, "new")
		}
	})

	t.Run("MissingBlockLeavesPreviousObject", func(t *testing.T) {
		b := newBackend(t)
		if err := b.UploadObject(ctx, "keep.txt", strings.NewReader("previous"), 8, true); err != nil {
			t.Fatalf("UploadObject: %v", err)
		}
		stage(t, b, "keep.txt", "b1", "foo")

		err := b.CommitBlockList(ctx, "keep.txt", []string{"b1", "b2"})
		if !errors.Is(err, ErrBlockNotFound) {
			t.Fatalf("CommitBlockList error = %v, want ErrBlockNotFound", err)
		}
		if got := readObject(t, b, "keep.txt"); got != "previous" {
			t.Errorf("object = %q, want unchanged %q", got, "previous")
		}
	})

	t.Run("BlocksAreScopedByKey", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "one.txt", "b1", "foo")
		err := b.CommitBlockList(ctx, "two.txt", []string{"b1"})
		if !errors.Is(err, ErrBlockNotFound) {
			t.Fatalf("error = %v, want ErrBlockNotFound", err)
		}
	})

	t.Run("RepeatedAndReorderedCommit", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "re.txt", "A", "aa")
		stage(t, b, "re.txt", "B", "bb")

		steps := []struct {
			ids  []string
			want string
		}{
			{[]string{"A", "B"}, "aabb"},
			{[]string{"A", "B"}, "aabb"},
			{[]string{"B", "A"}, "bbaa"},
		}
		for i, step := range steps {
			if err := b.CommitBlockList(ctx, "re.txt", step.ids); err != nil {
				t.Fatalf("commit %d %v: %v", i+1, step.ids, err)
			}
			if got := readObject(t, b, "re.txt"); got != step.want {
				t.Errorf("after commit %d %v object = %q, want %q", i+1, step.ids, got, step.want)
			}
		}
	})

	t.Run("CommitReleasesDroppedBlocks", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "c.txt", "b1", "foo")
		stage(t, b, "c.txt", "b2", "bar")
		if err := b.CommitBlockList(ctx, "c.txt", []string{"b1", "b2"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if err := b.CommitBlockList(ctx, "c.txt", []string{"b2"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		err := b.CommitBlockList(ctx, "c.txt", []string{"b1", "b2"})
		if !errors.Is(err, ErrBlockNotFound) {
			t.Fatalf("commit of dropped block error = %v, want ErrBlockNotFound", err)
		}
		if got := readObject(t, b, "c.txt"); got != "bar" {
			t.Errorf("object = %q, want %q", got, "bar")
		}
	})

	t.Run("UncommittedBlocksSurviveCommit", func(t *testing.T) {
		b := newBackend(t)
		if _, ok := b.(*AzureBackend); ok {
			t.Skip("Azure discards uncommitted blocks a commit does not list")
		}
		stage(t, b, "next.txt", "v1", "one")
		stage(t, b, "next.txt", "v2", "two")
		if err := b.CommitBlockList(ctx, "next.txt", []string{"v1"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if err := b.CommitBlockList(ctx, "next.txt", []string{"v2"}); err != nil {
			t.Fatalf("committing block staged before the previous commit: %v", err)
		}
		if got := readObject(t, b, "next.txt"); got != "two" {
			t.Errorf("object = %q, want %q", got, "two")
		}
	})

	t.Run("DeleteReleasesCommittedBlocks", func(t *testing.T) {
		b := newBackend(t)
		stage(t, b, "gone.txt", "b1", "foo")
		if err := b.CommitBlockList(ctx, "gone.txt", []string{"b1"}); err != nil {
			t.Fatalf("CommitBlockList: %v", err)
		}
		if err := b.DeleteObject(ctx, "gone.txt"); err != nil {
			t.Fatalf("DeleteObject: %v", err)
		}
		err := b.CommitBlockList(ctx, "gone.txt", []string{"b1"})
		if !errors.Is(err, ErrBlockNotFound) {
			t.Fatalf("commit after delete error = %v, want ErrBlockNotFound", err)
		}
	})

	t.Run("UploadObjectOverwrite", func(t *testing.T) {
		b := newBackend(t)
		if err := b.UploadObject(ctx, "dir/up.txt", strings.NewReader("v1"), 2, true); err != nil {
			t.Fatalf("UploadObject: %v", err)
		}
		if err := b.UploadObject(ctx, "dir/up.txt", strings.NewReader("v2"), 2, true); err != nil {
			t.Fatalf("UploadObject overwrite: %v", err)
		}
		if got := readObject(t, b, "dir/up.txt"); got != "v2" {
			t.Errorf("object = %q, want v2", got)
		}

		err := b.UploadObject(ctx, "dir/up.txt", strings.NewReader("v3"), 2, false)
		if !errors.Is(err, ErrObjectExists) {
			t.Fatalf("UploadObject without overwrite error = %v, want ErrObjectExists", err)
		}
		if got := readObject(t, b, "dir/up.txt"); got != "v2" {
			t.Errorf("object = %q, want v2", got)
		}
	})

	t.Run("UploadEmptyObject", func(t *testing.T) {
		b := newBackend(t)
		if err := b.UploadObject(ctx, "empty", bytes.NewReader(nil), 0, true); err != nil {
			t.Fatalf("UploadObject: %v", err)
		}
		if got := readObject(t, b, "empty"); got != "" {
			t.Errorf("object = %q, want empty", got)
		}
	})

	t.Run("GetAndDelete", func(t *testing.T) {
		b := newBackend(t)
		if _, _, err := b.GetObject(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("GetObject missing error = %v, want ErrObjectNotFound", err)
		}
		if err := b.UploadObject(ctx, "del.txt", strings.NewReader("x"), 1, true); err != nil {
			t.Fatalf("UploadObject: %v", err)
		}
		if err := b.DeleteObject(ctx, "del.txt"); err != nil {
			t.Fatalf("DeleteObject: %v", err)
		}
		if err := b.DeleteObject(ctx, "del.txt"); err != nil {
			t.Fatalf("DeleteObject should be idempotent: %v", err)
		}
		if _, _, err := b.GetObject(ctx, "del.txt"); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("GetObject after delete error = %v", err)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		if err := newBackend(t).HealthCheck(ctx); err != nil {
			t.Fatalf("HealthCheck: %v", err)
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend { return NewMemoryBackend() })
}

func TestMemoryBackendReleasesSupersededBlocks(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	stage(t, b, "m.txt", "a", "1")
	stage(t, b, "m.txt", "b", "2")
	stage(t, b, "m.txt", "c", "3")
	if err := b.CommitBlockList(ctx, "m.txt", []string{"a", "b"}); err != nil {
		t.Fatalf("CommitBlockList: %v", err)
	}
	if got := b.StagedBlockCount("m.txt"); got != 3 {
		t.Errorf("after first commit %d blocks staged, want 3", got)
	}

	stage(t, b, "m.txt", "b", "22")
	if err := b.CommitBlockList(ctx, "m.txt", []string{"c"}); err != nil {
		t.Fatalf("CommitBlockList: %v", err)
	}
	// a is released; b was restaged after the first commit and stays.
	if got := b.StagedBlockCount("m.txt"); got != 2 {
		t.Errorf("after second commit %d blocks staged, want 2", got)
	}

	if err := b.DeleteObject(ctx, "m.txt"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if got := b.StagedBlockCount("m.txt"); got != 1 {
		t.Errorf("after delete %d blocks staged, want only the uncommitted one", got)
	}
}

func TestLocalBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend {
		b, err := NewLocalBackend(t.TempDir())
		if err != nil {
			t.Fatalf("NewLocalBackend: %v", err)
		}
		return b
	})
}

func TestSQLiteBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend {
		b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "objects.db"))
		if err != nil {
			t.Fatalf("NewSQLiteBackend: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestAzureBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend {
		return NewAzureBackendWithClient("uploads", "https://acct.blob.core.windows.net", "pfx/", newMockAzureClient())
	})
}

func TestAWSBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend {
		return NewAWSBackendWithClient("bucket", "us-east-1", "pfx/", newMockS3Client())
	})
}

func TestGCPBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend {
		return NewGCPBackendWithClient("bucket", "proj", "pfx/", newMockGCSClient())
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"report.txt", true},
		{"dir/sub/file.bin", true},
		{"", false},
		{"/abs", false},
		{"a/../b", false},
		{"./a", false},
		{"a\\b", false},
		{"nul\x00byte", false},
		{strings.Repeat("k", MaxKeyLength), true},
		{strings.Repeat("k", MaxKeyLength+1), false},
	}
	for _, tt := range tests {
		msg := ValidateKey(tt.key)
		if (msg == "") != tt.valid {
			t.Errorf("ValidateKey(%q) = %q, want valid=%v", tt.key, msg, tt.valid)
		}
	}
}

func TestLocalBackendCleanTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	stray := filepath.Join(dir, ".tmp", "tmp-stray")
	if err := writeFile(stray, "partial"); err != nil {
		t.Fatal(err)
	}
	if err := b.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles: %v", err)
	}
	if fileExists(stray) {
		t.Error("stray temp file should be removed")
	}
}
