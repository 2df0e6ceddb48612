package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bleepstore/bleepupload/internal/buffer"
	"github.com/bleepstore/bleepupload/internal/client"
	"github.com/bleepstore/bleepupload/internal/config"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/resumable"
	"github.com/bleepstore/bleepupload/internal/serialization"
	"github.com/bleepstore/bleepupload/internal/storage"
)

var (
	listState   string
	listLimit   int
	exportState []string
	outputPath  string
	inputPath   string
	replace     bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage resumable upload sessions",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions on the server",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsStatusCmd = &cobra.Command{
	Use:   "status UPLOAD_ID",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStatus,
}

var sessionsRetryCmd = &cobra.Command{
	Use:   "retry UPLOAD_ID",
	Short: "Retry publishing a fully received upload",
	Long: `Retry the completion step of an upload whose bytes were all received but
whose publish to object storage failed. The session must be errored with its
offset equal to its length.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsRetry,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the session store to JSON",
	Long: `Export every session from the store configured in --config as a JSON
document. The document can be imported into any session engine.

Example:
  bleepctl sessions export --config bleepupload.yaml --state errored -o errored.json`,
	Args: cobra.NoArgs,
	RunE: runSessionsExport,
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import sessions from a JSON export",
	Long: `Import sessions into the store configured in --config. Existing sessions
are skipped unless --replace is set.`,
	Args: cobra.NoArgs,
	RunE: runSessionsImport,
}

var sessionsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reclaim expired sessions and their buffers",
	Long: `Run one cleanup pass against the stores configured in --config: expired
sessions are deleted along with their partial buffers. Run it while the server
is stopped, or when the server's own reaper is disabled.`,
	Args: cobra.NoArgs,
	RunE: runSessionsReap,
}

func init() {
	sessionsListCmd.Flags().StringVar(&listState, "state", "", "only sessions in this state (created, in_progress, complete, errored)")
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum sessions to list")

	sessionsExportCmd.Flags().StringSliceVar(&exportState, "state", nil, "only export sessions in these states")
	sessionsExportCmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output file (- for stdout)")

	sessionsImportCmd.Flags().StringVarP(&inputPath, "input", "i", "-", "input file (- for stdin)")
	sessionsImportCmd.Flags().BoolVar(&replace, "replace", false, "replace sessions that already exist")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsStatusCmd, sessionsRetryCmd,
		sessionsExportCmd, sessionsImportCmd, sessionsReapCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	sessions, err := newClient().Sessions(cmd.Context(), listState, listLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UPLOAD ID\tKEY\tSTATE\tPROGRESS\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.UploadID, s.ObjectKey, s.State,
			progressText(s), humanize.Time(s.UpdatedAt))
	}
	return tw.Flush()
}

func runSessionsStatus(cmd *cobra.Command, args []string) error {
	s, err := newClient().Session(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), s)
	return nil
}

func runSessionsRetry(cmd *cobra.Command, args []string) error {
	s, err := newClient().RetryCompletion(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), s)
	return nil
}

func progressText(s client.Session) string {
	if s.Length == 0 {
		return "0 B"
	}
	pct := float64(s.Offset) * 100 / float64(s.Length)
	return fmt.Sprintf("%s / %s (%.0f%%)", humanize.IBytes(uint64(s.Offset)), humanize.IBytes(uint64(s.Length)), pct)
}

func printSession(w io.Writer, s *client.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Upload ID:\t%s\n", s.UploadID)
	fmt.Fprintf(tw, "Object key:\t%s\n", s.ObjectKey)
	fmt.Fprintf(tw, "State:\t%s\n", s.State)
	fmt.Fprintf(tw, "Progress:\t%s\n", progressText(*s))
	if s.Failure != "" {
		fmt.Fprintf(tw, "Failure:\t%s\n", s.Failure)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Expires:\t%s (%s)\n", s.ExpiresAt.Format(time.RFC3339), humanize.Time(s.ExpiresAt))
	tw.Flush()
}

// openSessionStore opens the session store named in the config file.
func openSessionStore(ctx context.Context) (*config.Config, metadata.SessionStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := metadata.NewFromConfig(ctx, cfg.Sessions)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s session store: %w", cfg.Sessions.Engine, err)
	}
	return cfg, store, nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	cfg, store, err := openSessionStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	opts := &serialization.ExportOptions{Engine: cfg.Sessions.Engine}
	for _, s := range exportState {
		state := metadata.SessionState(strings.TrimSpace(s))
		if !state.Valid() {
			return fmt.Errorf("invalid state: %s", s)
		}
		opts.States = append(opts.States, state)
	}

	if outputPath == "-" {
		return serialization.Export(cmd.Context(), store, cmd.OutOrStdout(), opts)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := serialization.Export(cmd.Context(), store, f, opts); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", outputPath)
	return nil
}

func runSessionsImport(cmd *cobra.Command, args []string) error {
	_, store, err := openSessionStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	var r io.Reader = cmd.InOrStdin()
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	result, err := serialization.Import(cmd.Context(), store, r, &serialization.ImportOptions{Replace: replace})
	if err != nil {
		return err
	}
	out := cmd.ErrOrStderr()
	msg := fmt.Sprintf("  sessions: %d imported", result.Imported)
	if result.Replaced > 0 {
		msg += fmt.Sprintf(", %d replaced", result.Replaced)
	}
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(out, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  WARNING: %s\n", w)
	}
	return nil
}

func runSessionsReap(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, sessions, err := openSessionStore(ctx)
	if err != nil {
		return err
	}
	defer sessions.Close()

	buffers, err := buffer.NewFromConfig(cfg.Resumable.Buffer)
	if err != nil {
		return err
	}
	store, closer, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closer.Close()

	m := resumable.NewManager(sessions, buffers, store, resumable.Config{
		MaxSize:   int64(cfg.Resumable.MaxUploadSize),
		Retention: cfg.Resumable.Retention.Std(),
	})
	n, err := m.Reap(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d expired sessions\n", n)
	return nil
}
