package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bleepupload.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9100\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Server.Host)
	}
	if cfg.Upload.MaxBlockSize != 100<<20 {
		t.Errorf("MaxBlockSize = %d", cfg.Upload.MaxBlockSize)
	}
	if cfg.Resumable.Retention.Std() != 24*time.Hour {
		t.Errorf("Retention = %v", cfg.Resumable.Retention.Std())
	}
	if cfg.Sessions.Engine != "sqlite" || cfg.Storage.Backend != "local" {
		t.Errorf("engines = %q/%q", cfg.Sessions.Engine, cfg.Storage.Backend)
	}
	if !cfg.Observability.Metrics {
		t.Error("metrics should default to enabled")
	}
}

func TestLoadSizesAndDurations(t *testing.T) {
	body := `
upload:
  max_block_size: 10MiB
  reject_concurrent_commits: true
resumable:
  max_upload_size: 2GB
  retention: 90m
  reap_interval: 30s
storage:
  backend: azure
  azure:
    container: uploads
    account: acct
sessions:
  engine: redis
  redis:
    addr: localhost:6379
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.MaxBlockSize != 10<<20 {
		t.Errorf("MaxBlockSize = %d", cfg.Upload.MaxBlockSize)
	}
	if cfg.Resumable.MaxUploadSize != 2_000_000_000 {
		t.Errorf("MaxUploadSize = %d", cfg.Resumable.MaxUploadSize)
	}
	if cfg.Resumable.Retention.Std() != 90*time.Minute {
		t.Errorf("Retention = %v", cfg.Resumable.Retention.Std())
	}
	if cfg.Resumable.ReapInterval.Std() != 30*time.Second {
		t.Errorf("ReapInterval = %v", cfg.Resumable.ReapInterval.Std())
	}
	if !cfg.Upload.RejectConcurrentCommits {
		t.Error("RejectConcurrentCommits should be true")
	}
	if cfg.Storage.Azure.Container != "uploads" {
		t.Errorf("Azure.Container = %q", cfg.Storage.Azure.Container)
	}
	if cfg.Sessions.Redis.KeyPrefix != "bleepupload:" {
		t.Errorf("Redis.KeyPrefix = %q", cfg.Sessions.Redis.KeyPrefix)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad size", "upload:\n  max_block_size: lots\n", "invalid size"},
		{"bad duration", "resumable:\n  retention: forever\n", "invalid duration"},
		{"unknown backend", "storage:\n  backend: tape\n", "unknown storage backend"},
		{"unknown engine", "sessions:\n  engine: etcd\n", "unknown session engine"},
		{"base path", "resumable:\n  base_path: files\n", "base_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}
