// Package main is bleepctl, the command-line client and admin tool for
// bleepupload.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bleepstore/bleepupload/internal/client"
	"github.com/bleepstore/bleepupload/internal/logging"
)

var (
	serverURL  string
	token      string
	configPath string
	logLevel   string
	retries    int
)

var rootCmd = &cobra.Command{
	Use:   "bleepctl",
	Short: "Client and admin tool for bleepupload",
	Long: `bleepctl uploads files to a bleepupload server with either protocol,
inspects resumable sessions, and exports or imports the session store.

Remote commands talk to --server. The export, import and reap commands open
the session store named in --config directly.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(logLevel, "text", os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BLEEPUPLOAD_URL", "http://localhost:8000"), "bleepupload server URL (or set BLEEPUPLOAD_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("BLEEPUPLOAD_TOKEN"), "bearer token (or set BLEEPUPLOAD_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bleepupload.yaml", "server config file for local store commands")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 4, "retries per request on transient failures")
}

func newClient() *client.Client {
	return client.New(serverURL,
		client.WithToken(token),
		client.WithRetryMax(retries),
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
