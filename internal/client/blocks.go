package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the block size used when none is given.
const DefaultChunkSize = 10 << 20

// DefaultParallelism is how many blocks are staged at once by default.
const DefaultParallelism = 4

// BlockOptions tunes UploadFile.
type BlockOptions struct {
	ChunkSize   int64
	Parallelism int
	// Progress, if set, is called after each block is staged with the
	// number of bytes staged so far.
	Progress func(staged int64)
}

// NewBlockID returns a fresh block id: a base64-encoded random UUID.
func NewBlockID() string {
	return base64.StdEncoding.EncodeToString([]byte(uuid.NewString()))
}

// StageBlock uploads one block for key.
func (c *Client) StageBlock(ctx context.Context, key, blockID string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("filename", key); err != nil {
		return err
	}
	if err := mw.WriteField("block_id", blockID); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/stage/", buf.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("staging block %s: %w", blockID, err)
	}
	resp.Body.Close()
	return nil
}

// Commit assembles the staged blocks of key in the given order.
func (c *Client) Commit(ctx context.Context, key string, blockIDs []string) error {
	in := struct {
		Filename string   `json:"filename"`
		BlockIDs []string `json:"block_ids"`
	}{key, blockIDs}
	if err := c.doJSON(ctx, http.MethodPost, "/api/commit/", in, nil, http.StatusCreated); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}
	return nil
}

// UploadFile splits r into blocks, stages them in parallel and commits
// them in order under key. The returned ids are in commit order.
func (c *Client) UploadFile(ctx context.Context, key string, r io.ReaderAt, size int64, opts BlockOptions) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cannot upload an empty file with the block protocol")
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	parallel := opts.Parallelism
	if parallel <= 0 {
		parallel = DefaultParallelism
	}

	count := int((size + chunk - 1) / chunk)
	ids := make([]string, count)
	for i := range ids {
		ids[i] = NewBlockID()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	progress := make(chan int64, count)
	for i := 0; i < count; i++ {
		off := int64(i) * chunk
		n := min(chunk, size-off)
		id := ids[i]
		g.Go(func() error {
			data, err := readChunk(r, off, n)
			if err != nil {
				return fmt.Errorf("reading block at offset %d: %w", off, err)
			}
			if err := c.StageBlock(gctx, key, id, data); err != nil {
				return err
			}
			progress <- n
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		var staged int64
		for n := range progress {
			staged += n
			if opts.Progress != nil {
				opts.Progress(staged)
			}
		}
		close(done)
	}()
	err := g.Wait()
	close(progress)
	<-done
	if err != nil {
		return nil, err
	}

	if err := c.Commit(ctx, key, ids); err != nil {
		return nil, err
	}
	c.logger.Debug("file uploaded", "key", key, "blocks", count, "size", size)
	return ids, nil
}
