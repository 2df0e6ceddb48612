package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bleepstore/bleepupload/internal/client"
)

var (
	chunkSize   string
	parallelism int
	objectKey   string
	location    string
	quiet       bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a file with the block protocol",
	Long: `Upload a file by staging fixed-size blocks in parallel and committing
them in order. The object appears atomically once the commit succeeds.

Example:
  bleepctl upload ./video.mp4 --key media/video.mp4 --chunk-size 8MiB --parallel 8`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var resumeCmd = &cobra.Command{
	Use:   "resume FILE",
	Short: "Upload a file with the resumable (tus) protocol",
	Long: `Upload a file over the tus resumable protocol. Failed chunks are resumed
from the server's confirmed offset. Pass --location to continue an upload
started earlier.

Example:
  bleepctl resume ./backup.tar --key backups/backup.tar
  bleepctl resume ./backup.tar --location /files/3f9a...`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var downloadCmd = &cobra.Command{
	Use:   "download KEY [FILE]",
	Short: "Download a committed object",
	Long:  `Download the object at KEY to FILE, or to stdout when FILE is "-" or omitted.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDownload,
}

func init() {
	for _, c := range []*cobra.Command{uploadCmd, resumeCmd} {
		c.Flags().StringVar(&chunkSize, "chunk-size", "10MiB", "size of each block or chunk")
		c.Flags().StringVar(&objectKey, "key", "", "object key (default: the file's base name)")
		c.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	}
	uploadCmd.Flags().IntVar(&parallelism, "parallel", client.DefaultParallelism, "blocks staged at once")
	resumeCmd.Flags().StringVar(&location, "location", "", "resume the upload at this location")

	rootCmd.AddCommand(uploadCmd, resumeCmd, downloadCmd)
}

func openUpload(path string) (*os.File, int64, string, int64, error) {
	chunk, err := humanize.ParseBytes(chunkSize)
	if err != nil {
		return nil, 0, "", 0, fmt.Errorf("invalid --chunk-size: %w", err)
	}
	if chunk == 0 {
		return nil, 0, "", 0, fmt.Errorf("--chunk-size must be positive")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, "", 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", 0, err
	}
	key := objectKey
	if key == "" {
		key = filepath.Base(path)
	}
	return f, info.Size(), key, int64(chunk), nil
}

func progress(cmd *cobra.Command, size int64) func(int64) {
	if quiet {
		return nil
	}
	out := cmd.ErrOrStderr()
	return func(done int64) {
		fmt.Fprintf(out, "\r%s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(size)))
		if done >= size {
			fmt.Fprintln(out)
		}
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	f, size, key, chunk, err := openUpload(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ids, err := newClient().UploadFile(cmd.Context(), key, f, size, client.BlockOptions{
		ChunkSize:   chunk,
		Parallelism: parallelism,
		Progress:    progress(cmd, size),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Committed %s (%s, %d blocks)\n", key, humanize.IBytes(uint64(size)), len(ids))
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	f, size, key, chunk, err := openUpload(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	loc, err := newClient().ResumableUpload(cmd.Context(), f, size, client.ResumableOptions{
		ChunkSize: chunk,
		Metadata:  map[string]string{"filename": key},
		Location:  location,
		Progress:  progress(cmd, size),
	})
	if err != nil {
		if loc != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nUpload interrupted; continue with: bleepctl resume %s --location %s\n", args[0], loc)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) via %s\n", key, humanize.IBytes(uint64(size)), loc)
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	var w io.Writer = cmd.OutOrStdout()
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := newClient().Download(cmd.Context(), strings.TrimPrefix(args[0], "/"), w)
	if err != nil {
		return err
	}
	if len(args) == 2 && args[1] != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s to %s\n", humanize.IBytes(uint64(n)), args[1])
	}
	return nil
}
