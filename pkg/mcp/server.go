// Package mcp exposes deck generation to MCP clients over streamable HTTP.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/mcp/tools"
)

const instructions = "Create slide decks from documents. Create a project, start generation " +
	"with the document text, then poll generation_status until the phase is ready or failed. " +
	"A failed run can be resumed from the stage that failed."

// Server wraps the mcp-go MCPServer with the deck generation tools.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger
}

// NewServer creates an MCP server with every deck tool registered.
func NewServer(name, version string, deps *tools.Deps, logger *zap.Logger) *Server {
	audit := NewAuditLogger(logger)
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions),
		server.WithRecovery(),
		server.WithHooks(audit.Hooks()),
	)

	s := &Server{
		mcp:    mcpServer,
		logger: logger,
	}
	if deps != nil {
		tools.RegisterHealthTool(mcpServer, version, deps)
		tools.RegisterProjectTools(mcpServer, deps)
		tools.RegisterGenerationTools(mcpServer, deps)
	}
	return s
}

// MCP returns the underlying MCPServer.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// NewStreamableHTTPServer creates an HTTP transport server wrapping this MCP server.
// The HTTP mux handles routing to /mcp, so no endpoint path is configured here.
func (s *Server) NewStreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithStateLess(true),
	)
}

// RegisterTool is a convenience wrapper for registering a tool.
func (s *Server) RegisterTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
}
