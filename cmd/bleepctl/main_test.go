package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bleepstore/bleepupload/internal/client"
	"github.com/bleepstore/bleepupload/internal/config"
	"github.com/bleepstore/bleepupload/internal/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestUploadAndDownload(t *testing.T) {
	srv, err := server.New(config.Default())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(src, []byte("foobarbaz"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "upload", src, "--server", ts.URL, "--key", "block.txt", "--chunk-size", "3", "-q", "--retries", "0")
	if err != nil {
		t.Fatalf("upload: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Committed block.txt") || !strings.Contains(out, "3 blocks") {
		t.Errorf("upload output = %q", out)
	}

	out, err = execute(t, "resume", src, "--server", ts.URL, "--key", "tus.txt", "--chunk-size", "4", "-q", "--retries", "0")
	if err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}

	for _, key := range []string{"block.txt", "tus.txt"} {
		dst := filepath.Join(dir, key)
		if out, err := execute(t, "download", key, dst, "--server", ts.URL); err != nil {
			t.Fatalf("download %s: %v\n%s", key, err, out)
		}
		got, _ := os.ReadFile(dst)
		if string(got) != "foobarbaz" {
			t.Errorf("%s = %q, want foobarbaz", key, got)
		}
	}

	out, err = execute(t, "sessions", "list", "--server", ts.URL, "--state", "complete")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, "tus.txt") || !strings.Contains(out, "100%") {
		t.Errorf("sessions list output = %q", out)
	}
}

func TestProgressText(t *testing.T) {
	tests := []struct {
		s    client.Session
		want string
	}{
		{client.Session{}, "0 B"},
		{client.Session{Offset: 512, Length: 1024}, "512 B / 1.0 KiB (50%)"},
	}
	for _, tt := range tests {
		if got := progressText(tt.s); got != tt.want {
			t.Errorf("progressText(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}
