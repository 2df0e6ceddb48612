package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const tusVersion = "1.0.0"

// ResumableOptions tunes ResumableUpload.
type ResumableOptions struct {
	ChunkSize int64
	// Metadata is sent as Upload-Metadata on creation. "filename" names the
	// object key.
	Metadata map[string]string
	// Location resumes an existing upload instead of creating one.
	Location string
	// MaxResumes bounds how many times a failed chunk is resumed from the
	// server's offset before giving up.
	MaxResumes int
	// Progress, if set, is called with the confirmed offset after each chunk.
	Progress func(offset int64)
}

// patchRequest builds a plain PATCH request. Chunks bypass the retrying
// transport.
func (c *Client) patchRequest(ctx context.Context, location string, data []byte) (*http.Request, error) {
	url := location
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		url = c.baseURL + location
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doTus sends a tus request without retrying: a failed PATCH is resumed
// from the server's offset rather than replayed.
func (c *Client) doTus(req *http.Request, want int) (*http.Response, error) {
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// CreateUpload starts a resumable upload of length bytes and returns its
// location.
func (c *Client) CreateUpload(ctx context.Context, length int64, meta map[string]string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.tusPath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Length", strconv.FormatInt(length, 10))
	if len(meta) > 0 {
		req.Header.Set("Upload-Metadata", encodeMetadata(meta))
	}
	resp, err := c.do(req, http.StatusCreated)
	if err != nil {
		return "", fmt.Errorf("creating upload: %w", err)
	}
	resp.Body.Close()

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("creating upload: response has no Location")
	}
	return loc, nil
}

// Offset returns the confirmed offset and total length of an upload.
func (c *Client) Offset(ctx context.Context, location string) (offset, length int64, err error) {
	req, err := c.newRequest(ctx, http.MethodHead, location, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return 0, 0, fmt.Errorf("reading upload offset: %w", err)
	}
	resp.Body.Close()

	offset, err = strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Upload-Offset: %w", err)
	}
	length, _ = strconv.ParseInt(resp.Header.Get("Upload-Length"), 10, 64)
	return offset, length, nil
}

// WriteChunk appends data at offset and returns the new offset.
func (c *Client) WriteChunk(ctx context.Context, location string, offset int64, data []byte) (int64, error) {
	req, err := c.patchRequest(ctx, location, data)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	resp, err := c.doTus(req, http.StatusNoContent)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
}

// Terminate deletes an upload and its received bytes.
func (c *Client) Terminate(ctx context.Context, location string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, location, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	resp, err := c.do(req, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("terminating upload: %w", err)
	}
	resp.Body.Close()
	return nil
}

// ResumableUpload sends r through the tus protocol, creating the upload
// unless opts.Location is set. After a failed chunk it asks the server for
// the confirmed offset and continues from there. It returns the upload's
// location, which can be used to resume after an error.
func (c *Client) ResumableUpload(ctx context.Context, r io.ReaderAt, size int64, opts ResumableOptions) (string, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	maxResumes := opts.MaxResumes
	if maxResumes <= 0 {
		maxResumes = 5
	}

	loc := opts.Location
	var offset int64
	if loc == "" {
		var err error
		if loc, err = c.CreateUpload(ctx, size, opts.Metadata); err != nil {
			return "", err
		}
	} else {
		var (
			length int64
			err    error
		)
		if offset, length, err = c.Offset(ctx, loc); err != nil {
			return loc, err
		}
		if length != size {
			return loc, fmt.Errorf("upload at %s has length %d, local file has %d", loc, length, size)
		}
	}

	resumes := 0
	for offset < size {
		n := min(chunk, size-offset)
		data, err := readChunk(r, offset, n)
		if err != nil {
			return loc, fmt.Errorf("reading at offset %d: %w", offset, err)
		}

		next, err := c.WriteChunk(ctx, loc, offset, data)
		if err != nil {
			if ctx.Err() != nil || !resumable(err) || resumes >= maxResumes {
				return loc, fmt.Errorf("writing at offset %d: %w", offset, err)
			}
			resumes++
			c.logger.Warn("chunk failed, resuming from server offset",
				"location", loc, "offset", offset, "attempt", resumes, "error", err)
			if offset, _, err = c.Offset(ctx, loc); err != nil {
				return loc, err
			}
			continue
		}
		offset = next
		if opts.Progress != nil {
			opts.Progress(offset)
		}
	}
	return loc, nil
}

// resumable reports whether a failed chunk can be retried from the
// server's offset. Validation, gone and size errors are final.
func resumable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.StatusCode {
	case http.StatusConflict, http.StatusLocked, http.StatusTooManyRequests:
		return true
	}
	return apiErr.StatusCode >= http.StatusInternalServerError
}

func encodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}
