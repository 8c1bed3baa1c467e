package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/deepsea-ai/nereid/internal/pipeline"
	"github.com/deepsea-ai/nereid/internal/ratelimit"
	"github.com/deepsea-ai/nereid/internal/store"
)

// Server is the Nereid HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): UIFS.
type ServerConfig struct {
	// Required dependencies.
	Store  *store.Store
	Runner *pipeline.Runner
	Hub    *Hub
	Logger *slog.Logger

	// HTTP server settings.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Version        string
	UploadsDir     string
	MaxUploadBytes int64

	// Optional rate limiter for job creation (nil = disabled).
	Limiter ratelimit.Limiter

	// Optional embedded assets.
	UIFS fs.FS // Embedded UI filesystem (SPA).
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:          cfg.Store,
		Runner:         cfg.Runner,
		Hub:            cfg.Hub,
		Logger:         cfg.Logger,
		Version:        cfg.Version,
		UploadsDir:     cfg.UploadsDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	// Job creation moves uploads to disk and spawns a pipeline run, so it
	// is the one endpoint worth rate limiting, keyed by client IP.
	createRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})

	mux := http.NewServeMux()

	// Health (no auth, consumed by load balancers and the dashboard).
	mux.HandleFunc("GET /api/health", h.HandleHealth)

	// Job lifecycle.
	mux.HandleFunc("GET /api/jobs", h.HandleListJobs)
	mux.Handle("POST /api/jobs", createRL(http.HandlerFunc(h.HandleCreateJob)))
	mux.HandleFunc("GET /api/jobs/{id}", h.HandleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/phylogeny", h.HandleGetPhylogeny)
	mux.HandleFunc("GET /api/jobs/{id}/download/{type}", h.HandleDownload)

	// Results by job ID.
	mux.HandleFunc("GET /api/results/{id}", h.HandleGetResults)

	// Live job updates (long-lived connection).
	mux.HandleFunc("GET /ws", cfg.Hub.HandleWS)

	// SPA: serve the embedded UI at the root path.
	// Registered last so all API routes take priority via the mux's longest-match rule.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
