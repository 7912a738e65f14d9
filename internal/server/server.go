package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/ratelimit"
	"github.com/kiroku-ai/kiroku/internal/service/runpatch"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

// Server is the Kiroku HTTP server.
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

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Limiter, MCPServer, and OpenAPISpec are optional.
type ServerConfig struct {
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	PatchSvc *runpatch.Service
	Engine   *match.Engine
	Logger   *slog.Logger

	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.DB, cfg.JWTMgr, cfg.PatchSvc, cfg.Engine,
		cfg.Logger, cfg.Version, cfg.MaxRequestBodyBytes, cfg.OpenAPISpec)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	agentRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, authKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by client IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Org and agent management (admin only, exempt from rate limits).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/orgs", adminOnly(http.HandlerFunc(h.HandleCreateOrg)))
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", adminOnly(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{name}", adminOnly(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("PATCH /v1/agents/{name}", adminOnly(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/agents/{name}", adminOnly(http.HandlerFunc(h.HandleDeleteAgent)))

	// Recording (agent+, rate limited per agent).
	writeRole := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/sessions", agentRL(writeRole(http.HandlerFunc(h.HandleCreateSession))))
	mux.Handle("PATCH /v1/sessions/{session_id}", agentRL(writeRole(http.HandlerFunc(h.HandleUpdateSessionMetadata))))
	mux.Handle("POST /v1/sessions/{session_id}/runs", agentRL(writeRole(http.HandlerFunc(h.HandleCreateRun))))
	mux.Handle("PATCH /v1/sessions/{session_id}/runs/{run_id}", agentRL(writeRole(http.HandlerFunc(h.HandlePatchRun))))

	// Review (reader+, rate limited per agent).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/sessions", agentRL(readRole(http.HandlerFunc(h.HandleListSessions))))
	mux.Handle("GET /v1/sessions/{session_id}", agentRL(readRole(http.HandlerFunc(h.HandleGetSession))))
	mux.Handle("GET /v1/sessions/{session_id}/items", agentRL(readRole(http.HandlerFunc(h.HandleListSessionItems))))
	mux.Handle("GET /v1/sessions/{session_id}/runs", agentRL(readRole(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/{run_id}", agentRL(readRole(http.HandlerFunc(h.HandleGetRun))))
	mux.Handle("GET /v1/runs/{run_id}/items", agentRL(readRole(http.HandlerFunc(h.HandleListRunItems))))
	mux.Handle("GET /v1/items/{item_id}/slot", agentRL(readRole(http.HandlerFunc(h.HandleGetItemSlot))))

	// Feedback (reader+ writes comments and scores; admin moderates).
	mux.Handle("POST /v1/items/{item_id}/comments", agentRL(readRole(http.HandlerFunc(h.HandleCreateComment))))
	mux.Handle("GET /v1/items/{item_id}/comments", agentRL(readRole(http.HandlerFunc(h.HandleListComments))))
	mux.Handle("POST /v1/items/{item_id}/scores", agentRL(readRole(http.HandlerFunc(h.HandleCreateScore))))
	mux.Handle("GET /v1/items/{item_id}/scores", agentRL(readRole(http.HandlerFunc(h.HandleListScores))))
	mux.Handle("DELETE /v1/comments/{comment_id}", adminOnly(http.HandlerFunc(h.HandleDeleteComment)))
	mux.Handle("DELETE /v1/sessions/{session_id}", adminOnly(http.HandlerFunc(h.HandleDeleteSession)))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// agentKeyFunc keys rate limits by the authenticated agent. Admins are
// exempt.
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "agent:" + claims.OrgID.String() + ":" + claims.AgentName
}

// authKeyFunc keys the unauthenticated token endpoint by client IP.
func authKeyFunc(r *http.Request) string {
	if ip := ratelimit.IPKeyFunc(r); ip != "" {
		return "auth:" + ip
	}
	return ""
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
