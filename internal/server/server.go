package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiseki-io/kiseki/internal/tracer"
)

// Server is the Kiseki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store  tracer.Store
	Engine *tracer.Tracer
	Logger *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	APIKey              string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Engine:              cfg.Engine,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Trace retrieval. /search is registered before the {trace_id} route
	// only for readability; the mux prefers the literal segment either way.
	mux.HandleFunc("GET /v1/traces", h.HandleListTraces)
	mux.HandleFunc("GET /v1/traces/search", h.HandleSearchTraces)
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)

	// Manual retention controls.
	mux.HandleFunc("POST /v1/traces/{trace_id}/preserve", h.HandlePreserveTrace)
	mux.HandleFunc("POST /v1/traces/{trace_id}/discard", h.HandleDiscardTrace)
	mux.HandleFunc("POST /v1/traces/{trace_id}/sample", h.HandleSampleTrace)
	mux.HandleFunc("POST /v1/traces/{trace_id}/cleanup", h.HandleCleanupTrace)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain, outermost first: request id, tracing, logging,
	// auth, recovery, then the route table.
	var handler http.Handler = mux
	handler = withRecovery(cfg.Logger, handler)
	handler = withAuth(cfg.APIKey, handler)
	handler = withLogging(cfg.Logger, handler)
	handler = withTracing(newHTTPInstruments(), handler)
	handler = withRequestID(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
