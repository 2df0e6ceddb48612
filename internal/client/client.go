// Package client is an HTTP client for both bleepupload protocols: the
// parallel stage-then-commit block protocol and the tus resumable protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	// Code is the server's error kind, when it reported one.
	Code    string
	Message string
	// Fields holds per-field validation messages.
	Fields map[string][]string
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "" && e.Code != "":
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
	case len(e.Fields) > 0:
		parts := make([]string, 0, len(e.Fields))
		for f, msgs := range e.Fields {
			parts = append(parts, f+": "+strings.Join(msgs, " "))
		}
		return fmt.Sprintf("%d: %s", e.StatusCode, strings.Join(parts, "; "))
	default:
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
}

// Client talks to a bleepupload server.
type Client struct {
	baseURL  string
	token    string
	tusPath  string
	http     *retryablehttp.Client
	logger   *slog.Logger
	maxRetry int
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetryMax sets how many times a failed request is retried.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.maxRetry = n }
}

// WithLogger sets the logger used for retries and progress.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTusPath overrides the tus endpoint path (default "/files/").
func WithTusPath(p string) Option {
	return func(c *Client) { c.tusPath = p }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tusPath:  "/files/",
		logger:   slog.Default(),
		maxRetry: 4,
	}
	for _, opt := range opts {
		opt(c)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = c.maxRetry
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = c.logger
	// Hand the final response back so its error body can be decoded.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.http = rc
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.baseURL + path
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *retryablehttp.Request, want ...int) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

// decodeError builds an APIError from a JSON or plain-text error body.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && (body.Error != "" || body.Detail != "") {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Detail
		}
		return apiErr
	}
	var fields map[string][]string
	if json.Unmarshal(data, &fields) == nil && len(fields) > 0 {
		apiErr.Fields = fields
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, want ...int) error {
	var body any
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = data
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req, want...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Session is the server's view of a resumable upload.
type Session struct {
	UploadID  string            `json:"upload_id"`
	ObjectKey string            `json:"object_key"`
	Length    int64             `json:"length"`
	Offset    int64             `json:"offset"`
	State     string            `json:"state"`
	Failure   string            `json:"failure,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Session fetches one resumable upload session.
func (c *Client) Session(ctx context.Context, uploadID string) (*Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/uploads/"+uploadID, nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// Sessions lists resumable upload sessions, optionally filtered by state.
func (c *Client) Sessions(ctx context.Context, state string, limit int) ([]Session, error) {
	q := make([]string, 0, 2)
	if state != "" {
		q = append(q, "state="+state)
	}
	if limit > 0 {
		q = append(q, fmt.Sprintf("limit=%d", limit))
	}
	path := "/api/uploads"
	if len(q) > 0 {
		path += "?" + strings.Join(q, "&")
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RetryCompletion asks the server to publish a fully received upload again.
func (c *Client) RetryCompletion(ctx context.Context, uploadID string) (*Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/uploads/"+uploadID+"/retry", nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// Download streams the committed object at key into w.
func (c *Client) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/objects/"+key, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func readChunk(r io.ReaderAt, off, size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, off)
	if int64(n) == size {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}
