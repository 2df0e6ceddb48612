// Package main is the entry point for the bleepupload server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/bleepupload/internal/buffer"
	"github.com/bleepstore/bleepupload/internal/config"
	"github.com/bleepstore/bleepupload/internal/logging"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/metrics"
	"github.com/bleepstore/bleepupload/internal/resumable"
	"github.com/bleepstore/bleepupload/internal/server"
	"github.com/bleepstore/bleepupload/internal/storage"
)

func main() {
	configPath := flag.String("config", "bleepupload.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default: from config or 30s)")
	token := flag.String("token", "", "bearer token required on API requests (default: from config, BLEEPUPLOAD_TOKEN)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = config.Duration(*shutdownTimeout)
	}
	if *token != "" {
		cfg.Auth.Token = *token
	} else if env := os.Getenv("BLEEPUPLOAD_TOKEN"); env != "" {
		cfg.Auth.Token = env
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	// Every startup is recovery: temp files are cleaned by the local storage
	// backend, and sessions whose buffers did not survive are marked errored.
	store, storeCloser, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer storeCloser.Close()
	slog.Info("Storage backend initialized", "backend", cfg.Storage.Backend)

	sessions, err := metadata.NewFromConfig(ctx, cfg.Sessions)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer sessions.Close()
	slog.Info("Session store initialized", "engine", cfg.Sessions.Engine)

	buffers, err := buffer.NewFromConfig(cfg.Resumable.Buffer)
	if err != nil {
		return fmt.Errorf("failed to initialize upload buffers: %w", err)
	}

	manager := resumable.NewManager(sessions, buffers, store, resumable.Config{
		MaxSize:   int64(cfg.Resumable.MaxUploadSize),
		Retention: cfg.Resumable.Retention.Std(),
	})
	if stats, err := manager.Recover(ctx); err != nil {
		slog.Warn("Session recovery failed", "error", err)
	} else {
		if stats.OrphanedBuffers > 0 {
			slog.Info("Removed orphaned upload buffers", "count", stats.OrphanedBuffers)
		}
		if stats.LostBuffers > 0 {
			slog.Info("Marked sessions with lost buffers as errored", "count", stats.LostBuffers)
		}
	}

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	srv, err := server.New(cfg,
		server.WithStorageBackend(store),
		server.WithSessionStore(sessions),
		server.WithBufferStore(buffers),
		server.WithManager(manager),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if interval := cfg.Resumable.ReapInterval.Std(); interval > 0 {
		reaper := resumable.NewReaper(manager, interval, slog.Default())
		reaper.Start()
		defer reaper.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bleepupload listening", "addr", addr, "tus", cfg.Resumable.BasePath)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop accepting connections and wait for in-flight
	// requests up to the shutdown timeout. Interrupted sessions keep their
	// offset and resume after restart.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		timeout := cfg.Server.ShutdownTimeout.Std()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil

	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
