package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bleepstore/bleepupload/internal/config"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/metrics"
	"github.com/bleepstore/bleepupload/internal/storage"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// switchableBackend fails HealthCheck and UploadObject while broken is set.
type switchableBackend struct {
	storage.StorageBackend

	mu     sync.Mutex
	broken bool
}

func (b *switchableBackend) set(broken bool) {
	b.mu.Lock()
	b.broken = broken
	b.mu.Unlock()
}

func (b *switchableBackend) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return errors.New("backend unavailable")
	}
	return nil
}

func (b *switchableBackend) HealthCheck(ctx context.Context) error {
	if err := b.err(); err != nil {
		return err
	}
	return b.StorageBackend.HealthCheck(ctx)
}

func (b *switchableBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	if err := b.err(); err != nil {
		return err
	}
	return b.StorageBackend.UploadObject(ctx, key, r, size, overwrite)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Upload.MaxBlockSize = 1 << 20
	cfg.Resumable.MaxUploadSize = 1 << 20
	cfg.Server.CORSAllowedOrigins = []string{"http://localhost:3000"}
	return cfg
}

type testEnv struct {
	srv   *Server
	store *switchableBackend
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	local, err := storage.NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("creating storage backend: %v", err)
	}
	sessions, err := metadata.NewSQLiteStore(dir + "/sessions.db")
	if err != nil {
		t.Fatalf("creating session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	store := &switchableBackend{StorageBackend: local}
	srv, err := New(cfg, WithStorageBackend(store), WithSessionStore(sessions))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &testEnv{srv: srv, store: store}
}

// testRequest performs a request against the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v; body: %s", err, rec.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := testRequest(t, env.srv, http.MethodGet, "/health", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}

	body := decode(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatal("GET /health response missing 'checks' field")
	}
	for _, name := range []string{"storage", "sessions"} {
		c, ok := checks[name].(map[string]any)
		if !ok || c["status"] != "ok" {
			t.Errorf("check %s = %v, want status ok", name, checks[name])
		}
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.store.set(true)

	rec := testRequest(t, env.srv, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d, want 503", rec.Code)
	}
	checks := decode(t, rec)["checks"].(map[string]any)
	storageCheck := checks["storage"].(map[string]any)
	if storageCheck["status"] != "error" || storageCheck["error"] != "backend unavailable" {
		t.Errorf("storage check = %v", storageCheck)
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if rec := testRequest(t, env.srv, http.MethodHead, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("HEAD /health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDocsAndOpenAPI(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := testRequest(t, env.srv, http.MethodGet, "/docs", nil, nil)
	// Huma may return 200 directly or redirect to /docs/.
	if rec.Code == http.StatusMovedPermanently || rec.Code == http.StatusTemporaryRedirect {
		rec = testRequest(t, env.srv, http.MethodGet, rec.Header().Get("Location"), nil, nil)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /docs status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("GET /docs Content-Type = %q, want text/html", ct)
	}

	rec = testRequest(t, env.srv, http.MethodGet, "/openapi.json", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json status = %d, want 200", rec.Code)
	}
	paths, ok := decode(t, rec)["paths"].(map[string]any)
	if !ok {
		t.Fatal("openapi document has no paths")
	}
	for _, p := range []string{"/health", "/api/uploads", "/api/uploads/{upload_id}", "/api/uploads/{upload_id}/retry"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("openapi document missing %s", p)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig())
	testRequest(t, env.srv, http.MethodGet, "/health", nil, nil)

	rec := testRequest(t, env.srv, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"bleepupload_http_requests_total", "bleepupload_http_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Observability.Metrics = false
	env := newTestEnv(t, cfg)
	if rec := testRequest(t, env.srv, http.MethodGet, "/metrics", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled status = %d, want 404", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := testRequest(t, env.srv, http.MethodGet, "/health", nil, nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
	rec = testRequest(t, env.srv, http.MethodGet, "/health", nil, map[string]string{"X-Request-Id": "abc-123"})
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q, want the caller's id", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Token = "s3cret"
	env := newTestEnv(t, cfg)

	rec := testRequest(t, env.srv, http.MethodOptions, "/files/", nil, map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  http.MethodPatch,
		"Access-Control-Request-Headers": "tus-resumable,upload-offset,content-type",
	})
	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	rec = testRequest(t, env.srv, http.MethodOptions, "/api/stage/", nil, map[string]string{
		"Origin":                        "http://evil.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin = %q", got)
	}
}

func TestAuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Token = "s3cret"
	env := newTestEnv(t, cfg)

	rec := testRequest(t, env.srv, http.MethodPost, "/api/commit/", strings.NewReader(`{}`),
		map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated commit status = %d, want 401", rec.Code)
	}
	rec = testRequest(t, env.srv, http.MethodPost, "/api/commit/", strings.NewReader(`{}`),
		map[string]string{"Content-Type": "application/json", "Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("authenticated empty commit status = %d, want 400", rec.Code)
	}
	if rec := testRequest(t, env.srv, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("GET /health with auth enabled status = %d, want 200", rec.Code)
	}
}

func stageBody(t *testing.T, key, blockID, data string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("filename", key)
	mw.WriteField("block_id", blockID)
	fw, _ := mw.CreateFormFile("file", "blob")
	io.WriteString(fw, data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestBlockProtocolEndToEnd(t *testing.T) {
	env := newTestEnv(t, testConfig())

	for _, b := range []struct{ id, data string }{{"b1", "foo"}, {"b2", "bar"}, {"b3", "baz"}} {
		body, ct := stageBody(t, "greeting.txt", b.id, b.data)
		rec := testRequest(t, env.srv, http.MethodPost, "/api/stage/", body, map[string]string{"Content-Type": ct})
		if rec.Code != http.StatusCreated {
			t.Fatalf("stage %s status = %d; body: %s", b.id, rec.Code, rec.Body.String())
		}
	}
	rec := testRequest(t, env.srv, http.MethodPost, "/api/commit/",
		strings.NewReader(`{"filename":"greeting.txt","block_ids":["b1","b2","b3"]}`),
		map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("commit status = %d; body: %s", rec.Code, rec.Body.String())
	}

	rec = testRequest(t, env.srv, http.MethodGet, "/api/objects/greeting.txt", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "foobarbaz" {
		t.Errorf("download = %d %q, want 200 foobarbaz", rec.Code, rec.Body.String())
	}
}

func tusHeaders(extra map[string]string) map[string]string {
	h := map[string]string{"Tus-Resumable": "1.0.0"}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func TestResumableRetryAfterPublishFailure(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := testRequest(t, env.srv, http.MethodPost, "/files/", nil, tusHeaders(map[string]string{
		"Upload-Length":   "9",
		"Upload-Metadata": "filename cmVwb3J0LmJpbg==", // report.bin
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	id := strings.TrimPrefix(loc, "/files/")

	rec = testRequest(t, env.srv, http.MethodPatch, loc, strings.NewReader("foobar"), tusHeaders(map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "0",
	}))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch 1 status = %d; body: %s", rec.Code, rec.Body.String())
	}

	env.store.set(true)
	rec = testRequest(t, env.srv, http.MethodPatch, loc, strings.NewReader("baz"), tusHeaders(map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "6",
	}))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("patch 2 status = %d, want 500 while the store is down", rec.Code)
	}

	rec = testRequest(t, env.srv, http.MethodGet, "/api/uploads/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET session status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["state"] != "errored" || body["offset"] != float64(9) {
		t.Errorf("session after failed publish = %v", body)
	}

	env.store.set(false)
	rec = testRequest(t, env.srv, http.MethodPost, "/api/uploads/"+id+"/retry", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["state"] != "complete" {
		t.Errorf("state after retry = %v, want complete", body["state"])
	}

	rec = testRequest(t, env.srv, http.MethodGet, "/api/objects/report.bin", nil, nil)
	if rec.Body.String() != "foobarbaz" {
		t.Errorf("published object = %q, want foobarbaz", rec.Body.String())
	}

	rec = testRequest(t, env.srv, http.MethodPost, "/api/uploads/"+id+"/retry", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second retry status = %d, want 409", rec.Code)
	}
}

func TestListUploads(t *testing.T) {
	env := newTestEnv(t, testConfig())
	for i := 0; i < 3; i++ {
		rec := testRequest(t, env.srv, http.MethodPost, "/files/", nil, tusHeaders(map[string]string{
			"Upload-Length": strconv.Itoa(10 + i),
		}))
		if rec.Code != http.StatusCreated {
			t.Fatalf("create status = %d", rec.Code)
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec := testRequest(t, env.srv, http.MethodGet, "/api/uploads?limit=2", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d; body: %s", rec.Code, rec.Body.String())
	}
	sessions, _ := decode(t, rec)["sessions"].([]any)
	if len(sessions) != 2 {
		t.Errorf("listed %d sessions, want 2", len(sessions))
	}

	rec = testRequest(t, env.srv, http.MethodGet, "/api/uploads/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}
