// Package mcp implements the Model Context Protocol server for Kiroku.
//
// The MCP server exposes a read-only view of recorded sessions, runs,
// and items so MCP-compatible agents can review histories without going
// through the HTTP API. Authentication is handled by the HTTP transport
// the server is mounted on; handlers read JWT claims from the context.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kiroku-ai/kiroku/internal/match"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

// Server wraps the MCP server with Kiroku's storage and engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	engine    *match.Engine
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(db *storage.DB, engine *match.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:     db,
		engine: engine,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
