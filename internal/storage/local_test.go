package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestLocalBackendLayout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()

	if err := b.StageBlock(ctx, "nested/file.txt", "b1", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("StageBlock: %v", err)
	}
	if !fileExists(b.blockPath("nested/file.txt", "b1")) {
		t.Fatal("staged block file missing")
	}
	if err := b.CommitBlockList(ctx, "nested/file.txt", []string{"b1"}); err != nil {
		t.Fatalf("CommitBlockList: %v", err)
	}

	objPath := filepath.Join(dir, "objects", "nested", "file.txt")
	data, err := os.ReadFile(objPath)
	if err != nil {
		t.Fatalf("reading committed object: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("object = %q", data)
	}
	if !fileExists(b.blockPath("nested/file.txt", "b1")) {
		t.Error("committed block should stay staged")
	}
	if !fileExists(b.manifestPath("nested/file.txt")) {
		t.Error("commit should record a manifest")
	}

	entries, _ := os.ReadDir(filepath.Join(dir, ".tmp"))
	if len(entries) != 0 {
		t.Errorf("temp directory should be empty, has %d entries", len(entries))
	}
}

func TestLocalBackendDeleteCleansParents(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()
	if err := b.UploadObject(ctx, "a/b/c.txt", strings.NewReader("x"), 1, true); err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	if err := b.DeleteObject(ctx, "a/b/c.txt"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if fileExists(filepath.Join(dir, "objects", "a")) {
		t.Error("empty parent directories should be removed")
	}
	if !fileExists(filepath.Join(dir, "objects")) {
		t.Error("objects root must survive")
	}
}

func TestLocalBackendGetDirectoryIsNotFound(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()
	if err := b.UploadObject(ctx, "d/f", strings.NewReader("x"), 1, true); err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	if _, _, err := b.GetObject(ctx, "d"); err == nil {
		t.Fatal("GetObject on a directory should fail")
	}
}

func TestLocalBackendStageDuringCommit(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()

	stage(t, b, "doc.txt", "x", "x")
	if err := b.CommitBlockList(ctx, "doc.txt", []string{"x"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	stage(t, b, "doc.txt", "a", "a")
	stage(t, b, "doc.txt", "b", "b")
	// The next revision restages x and stages c while [a b] is in flight.
	b.afterAssemble = func() {
		b.afterAssemble = nil
		stage(t, b, "doc.txt", "c", "c")
		stage(t, b, "doc.txt", "x", "X2")
	}
	if err := b.CommitBlockList(ctx, "doc.txt", []string{"a", "b"}); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if got := readObject(t, b, "doc.txt"); got != "ab" {
		t.Errorf("object = %q, want %q", got, "ab")
	}

	if err := b.CommitBlockList(ctx, "doc.txt", []string{"c", "x"}); err != nil {
		t.Fatalf("committing blocks staged mid-commit: %v", err)
	}
	if got := readObject(t, b, "doc.txt"); got != "cX2" {
		t.Errorf("object = %q, want %q", got, "cX2")
	}
	for _, id := range []string{"a", "b"} {
		if fileExists(b.blockPath("doc.txt", id)) {
			t.Errorf("superseded block %q should be removed", id)
		}
	}
}

func TestLocalBackendKeyConflict(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()
	if err := b.UploadObject(ctx, "a", strings.NewReader("file"), 4, true); err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	if err := b.UploadObject(ctx, "d/x", strings.NewReader("nested"), 6, true); err != nil {
		t.Fatalf("UploadObject: %v", err)
	}

	tests := []struct {
		name string
		key  string
	}{
		{"existing object is a parent", "a/b"},
		{"key is a parent of an existing object", "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage(t, b, tt.key, "b1", "data")
			if err := b.CommitBlockList(ctx, tt.key, []string{"b1"}); !errors.Is(err, ErrKeyConflict) {
				t.Errorf("CommitBlockList(%q) error = %v, want ErrKeyConflict", tt.key, err)
			}
			for _, overwrite := range []bool{true, false} {
				err := b.UploadObject(ctx, tt.key, strings.NewReader("data"), 4, overwrite)
				if !errors.Is(err, ErrKeyConflict) {
					t.Errorf("UploadObject(%q, overwrite=%v) error = %v, want ErrKeyConflict", tt.key, overwrite, err)
				}
			}
		})
	}

	if got := readObject(t, b, "a"); got != "file" {
		t.Errorf("object a = %q, want unchanged", got)
	}
	if got := readObject(t, b, "d/x"); got != "nested" {
		t.Errorf("object d/x = %q, want unchanged", got)
	}
}
