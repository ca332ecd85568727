package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/issuestream/issuestream/internal/auth"
	"github.com/issuestream/issuestream/internal/model"
	"github.com/issuestream/issuestream/internal/ratelimit"
	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/service/assign"
	"github.com/issuestream/issuestream/internal/service/embedding"
	"github.com/issuestream/issuestream/internal/storage"
)

// Server is the issuestream HTTP server.
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
// Optional fields (nil-safe): RateLimiter.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	AssignSvc *assign.Service
	Embedder embedding.Provider
	Searcher search.Searcher
	MCPServer *mcpserver.MCPServer
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	RateLimiter *ratelimit.MemoryLimiter
	TrustProxy  bool // When true, use X-Forwarded-For for the rate limiter's client IP.

	// CredentialLimiter enforces a per-credential request budget across
	// replicas (Redis-backed). Unlike RateLimiter, which is per-IP and
	// per-process, this survives horizontal scaling. Disabled when nil.
	CredentialLimiter *ratelimit.Limiter
	CredentialRule    ratelimit.Rule

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string // Allowed origins for CORS; ["*"] permits all.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		AssignSvc:           cfg.AssignSvc,
		Embedder:            cfg.Embedder,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth (no auth required to request a token).
	mux.Handle("POST /auth/token", http.HandlerFunc(h.HandleAuthToken))

	readRole := requireRole(model.RoleReader)
	sourceRole := requireRole(model.RoleSource)

	// Ingest (source role): submit one article to the decision core.
	mux.Handle("POST /v1/articles", sourceRole(http.HandlerFunc(h.HandleIngestArticle)))
	mux.Handle("GET /v1/articles/{id}", readRole(http.HandlerFunc(h.HandleGetArticle)))

	// Issue lookup (reader role).
	mux.Handle("GET /v1/issues", readRole(http.HandlerFunc(h.HandleRecentIssues)))
	mux.Handle("GET /v1/issues/{id}", readRole(http.HandlerFunc(h.HandleGetIssue)))
	mux.Handle("POST /v1/search", readRole(http.HandlerFunc(h.HandleSearchIssues)))

	// MCP StreamableHTTP transport (auth required, reader role).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Config (no auth — safe subset of runtime configuration).
	mux.HandleFunc("GET /config", h.HandleConfig)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → baggage → auth → credential limit (optional) → recovery → rateLimit → handler.
	var handler http.Handler = mux
	if cfg.RateLimiter != nil {
		handler = rateLimitMiddleware(cfg.RateLimiter, cfg.Logger, cfg.TrustProxy, handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.CredentialLimiter != nil {
		handler = ratelimit.Middleware(cfg.CredentialLimiter, cfg.CredentialRule, credentialKeyFunc)(handler)
	}
	handler = authMiddleware(cfg.JWTMgr, cfg.DB, handler)
	handler = baggageMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout, // Prevent accumulation of idle connections.
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers, e.g. for startup credential bootstrap.
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
