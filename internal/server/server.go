// Package server implements the bleepupload HTTP server: the block
// protocol, the tus endpoint, object download and the session admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/bleepupload/internal/auth"
	"github.com/bleepstore/bleepupload/internal/blocks"
	"github.com/bleepstore/bleepupload/internal/buffer"
	"github.com/bleepstore/bleepupload/internal/config"
	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/handlers"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/resumable"
	"github.com/bleepstore/bleepupload/internal/storage"
)

// objectsPrefix is the download route prefix.
const objectsPrefix = "/api/objects/"

// Server is the bleepupload HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      storage.StorageBackend
	sessions   metadata.SessionStore
	buffers    buffer.Store
	manager    *resumable.Manager
	blocks     *handlers.BlockHandler
	tus        *handlers.TusHandler
	objects    *handlers.ObjectHandler
	httpServer *http.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStorageBackend sets the durable object store.
func WithStorageBackend(store storage.StorageBackend) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithSessionStore sets the resumable session store.
func WithSessionStore(sessions metadata.SessionStore) ServerOption {
	return func(s *Server) {
		s.sessions = sessions
	}
}

// WithBufferStore sets where in-flight resumable bytes are held.
func WithBufferStore(buffers buffer.Store) ServerOption {
	return func(s *Server) {
		s.buffers = buffers
	}
}

// WithManager supplies a preconfigured resumable upload manager. The
// session, buffer and storage options are then only used for health checks.
func WithManager(m *resumable.Manager) ServerOption {
	return func(s *Server) {
		s.manager = m
	}
}

// New creates a Server and wires every route on a chi router with a Huma
// API. Missing stores default to the in-memory implementations.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("bleepupload API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = storage.NewMemoryBackend()
	}
	if s.sessions == nil {
		s.sessions = metadata.NewMemoryStore()
	}
	if s.buffers == nil {
		s.buffers = buffer.NewMemoryStore()
	}
	if s.manager == nil {
		s.manager = resumable.NewManager(s.sessions, s.buffers, s.store, resumable.Config{
			MaxSize:   int64(cfg.Resumable.MaxUploadSize),
			Retention: cfg.Resumable.Retention.Std(),
		})
	}

	maxBlock := int64(cfg.Upload.MaxBlockSize)
	s.blocks = handlers.NewBlockHandler(
		blocks.NewStager(s.store, maxBlock),
		blocks.NewAssembler(s.store, cfg.Upload.RejectConcurrentCommits),
		maxBlock,
	)
	basePath := cfg.Resumable.BasePath
	if basePath == "" {
		basePath = "/files/"
	}
	s.tus = handlers.NewTusHandler(s.manager, basePath)
	s.objects = handlers.NewObjectHandler(s.store, objectsPrefix)

	s.registerRoutes(basePath)
	return s, nil
}

// Manager returns the resumable upload manager used by the tus endpoint.
func (s *Server) Manager() *resumable.Manager {
	return s.manager
}

// Handler returns the router wrapped in the middleware chain:
// metrics -> request logger -> CORS -> auth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.cfg.Auth.Token)(handler)
	handler = corsMiddleware(s.cfg.Server.CORSAllowedOrigins)(handler)
	handler = requestLogger(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes. Huma owns /health, /docs,
// /openapi and the session admin API; the upload protocols are plain
// handlers because they stream bodies.
func (s *Server) registerRoutes(basePath string) {
	s.registerHealth()
	s.registerSessions()

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	for _, p := range []string{"/api/stage/", "/api/stage"} {
		s.router.Post(p, s.blocks.Stage)
	}
	for _, p := range []string{"/api/commit/", "/api/commit"} {
		s.router.Post(p, s.blocks.Commit)
	}
	s.router.Get(objectsPrefix+"*", s.objects.Get)
	s.router.Head(objectsPrefix+"*", s.objects.Get)

	s.router.Handle(strings.TrimSuffix(basePath, "/"), s.tus)
	s.router.Handle(basePath+"*", s.tus)
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status" example:"ok" doc:"ok or error"`
	LatencyMS int64  `json:"latency_ms" doc:"Check latency in milliseconds"`
	Error     string `json:"error,omitempty" doc:"Failure detail"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]CheckResult `json:"checks" doc:"Per-dependency results"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

func (s *Server) registerHealth() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Checks the object store and the session store.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok", Checks: map[string]CheckResult{}}}
		for name, check := range map[string]func(context.Context) error{
			"storage":  s.store.HealthCheck,
			"sessions": s.sessions.Ping,
		} {
			start := time.Now()
			err := check(ctx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "error"
				res.Error = err.Error()
				out.Status = http.StatusServiceUnavailable
				out.Body.Status = "degraded"
			}
			out.Body.Checks[name] = res
		}
		return out, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})
}

// SessionBody is the admin view of a resumable upload session.
type SessionBody struct {
	UploadID  string            `json:"upload_id"`
	ObjectKey string            `json:"object_key"`
	Length    int64             `json:"length"`
	Offset    int64             `json:"offset"`
	State     string            `json:"state" enum:"created,in_progress,complete,errored"`
	Failure   string            `json:"failure,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func sessionBody(rec *metadata.SessionRecord) SessionBody {
	return SessionBody{
		UploadID:  rec.UploadID,
		ObjectKey: rec.ObjectKey,
		Length:    rec.Length,
		Offset:    rec.Offset,
		State:     string(rec.State),
		Failure:   rec.Failure,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

type sessionInput struct {
	UploadID string `path:"upload_id" doc:"Resumable upload id"`
}

type sessionOutput struct {
	Body SessionBody
}

type listSessionsInput struct {
	State string `query:"state" enum:"created,in_progress,complete,errored" doc:"Only sessions in this state"`
	Limit int    `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Maximum number of sessions"`
}

type listSessionsOutput struct {
	Body struct {
		Sessions []SessionBody `json:"sessions"`
	}
}

func (s *Server) registerSessions() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-uploads",
		Method:      http.MethodGet,
		Path:        "/api/uploads",
		Summary:     "List resumable uploads",
		Tags:        []string{"Uploads"},
	}, func(ctx context.Context, in *listSessionsInput) (*listSessionsOutput, error) {
		recs, err := s.manager.List(ctx, metadata.ListSessionsOptions{
			State: metadata.SessionState(in.State),
			Limit: in.Limit,
		})
		if err != nil {
			return nil, humaError(err)
		}
		out := &listSessionsOutput{}
		out.Body.Sessions = make([]SessionBody, 0, len(recs))
		for i := range recs {
			out.Body.Sessions = append(out.Body.Sessions, sessionBody(&recs[i]))
		}
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-upload",
		Method:      http.MethodGet,
		Path:        "/api/uploads/{upload_id}",
		Summary:     "Get a resumable upload",
		Tags:        []string{"Uploads"},
	}, func(ctx context.Context, in *sessionInput) (*sessionOutput, error) {
		rec, err := s.manager.Status(ctx, in.UploadID)
		if err != nil {
			return nil, humaError(err)
		}
		return &sessionOutput{Body: sessionBody(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "retry-upload",
		Method:      http.MethodPost,
		Path:        "/api/uploads/{upload_id}/retry",
		Summary:     "Retry publishing a fully received upload",
		Description: "Re-runs the completion transfer for a session whose bytes were all received but whose publish into the object store failed.",
		Tags:        []string{"Uploads"},
	}, func(ctx context.Context, in *sessionInput) (*sessionOutput, error) {
		rec, err := s.manager.RetryCompletion(ctx, in.UploadID)
		if err != nil {
			return nil, humaError(err)
		}
		return &sessionOutput{Body: sessionBody(rec)}, nil
	})
}

// humaError maps an upload error onto a Huma status error.
func humaError(err error) error {
	ue := uperr.Classify(err)
	status := ue.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		return huma.NewError(status, fmt.Sprintf("%s: %s", ue.Kind, ue.Detail()))
	}
	return huma.NewError(status, ue.Detail())
}
