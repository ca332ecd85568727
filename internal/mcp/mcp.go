// Package mcp implements the Model Context Protocol server for issuestream.
//
// It exposes two read-only tools so MCP-compatible agents can look up the
// clustering engine's current state — recent issues and semantic search over
// them — without granting write access through this surface. Ingestion and
// cluster assignment stay HTTP-only, driven by internal/service/assign.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/service/embedding"
	"github.com/issuestream/issuestream/internal/storage"
)

const serverInstructions = `You have access to issuestream, a streaming news clustering engine.

TOOLS:
- issuestream_recent_issues: list the most recently updated issues (clusters)
- issuestream_search_issues: find issues whose centroid is semantically closest
  to a natural language query

Both tools are read-only: they never ingest articles or change cluster
assignments. Use them to understand what the engine currently considers an
"issue" before asking a human to investigate further.`

// Server wraps the MCP server with issuestream's read-only lookup tools.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	searcher  search.Searcher
	embedder  embedding.Provider
	logger    *slog.Logger
}

// New creates and configures a new MCP server exposing issue lookup tools.
func New(db *storage.DB, searcher search.Searcher, embedder embedding.Provider, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		searcher: searcher,
		embedder: embedder,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"issuestream",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
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
