package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/blob"
	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/service/coaching"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/video"
)

// Server is the swimcoach HTTP server.
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
// Optional fields (nil-safe): Coaching, Knowledge, KnowledgeHealth, Limiter,
// MCPServer, APIKeys, BypassKeys.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.Store
	Blobs     blob.Store
	Engine    *coach.Engine
	Processor video.Processor
	Usage     *ratelimit.UsagePolicy
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Coaching        *coaching.Service
	Knowledge       knowledge.Lookup
	KnowledgeHealth HealthChecker
	Limiter         ratelimit.Limiter
	MCPServer       *mcpserver.MCPServer
	APIKeys         *auth.KeySet
	BypassKeys      *auth.KeySet

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	CORSOrigins         []string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	MaxVideoSeconds     float64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Coaching:            cfg.Coaching,
		Store:               cfg.Store,
		Blobs:               cfg.Blobs,
		Engine:              cfg.Engine,
		Processor:           cfg.Processor,
		Knowledge:           cfg.Knowledge,
		KnowledgeHealth:     cfg.KnowledgeHealth,
		Usage:               cfg.Usage,
		JWTMgr:              cfg.JWTMgr,
		APIKeys:             cfg.APIKeys,
		BypassKeys:          cfg.BypassKeys,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		MaxVideoSeconds:     cfg.MaxVideoSeconds,
	})

	mux := http.NewServeMux()

	// Auth and health (no credentials required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /health/ready", h.HandleReady)

	// Coaching API.
	mux.HandleFunc("POST /v1/videos", h.HandleUploadVideo)
	mux.HandleFunc("POST /v1/sessions/{session_id}/analyze", h.HandleAnalyze)
	mux.HandleFunc("POST /v1/sessions/{session_id}/chat", h.HandleChat)
	mux.HandleFunc("GET /v1/sessions/{session_id}", h.HandleGetSession)
	mux.HandleFunc("GET /v1/users/me/sessions", h.HandleListMySessions)
	mux.HandleFunc("GET /v1/usage", h.HandleUsage)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	authn := &authenticator{jwt: cfg.JWTMgr, apiKeys: cfg.APIKeys, bypass: cfg.BypassKeys}
	limit := ratelimit.Middleware(cfg.Limiter, ratelimit.IdentityKeyFunc, cfg.Logger)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth →
	// token bucket → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = limit(handler)
	handler = authn.middleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
