package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type healthResult struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	APIKeyConfigured *bool  `json:"api_key_configured,omitempty"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The tool returns the server version and whether an API key is configured.
func RegisterHealthTool(s *server.MCPServer, version string, deps *Deps) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status, version and whether an API key is configured"),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := healthResult{Status: "ok", Version: version}
		if deps.Credentials != nil {
			key, err := deps.Credentials.CurrentKey(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read api key: %w", err)
			}
			configured := key != ""
			result.APIKeyConfigured = &configured
		}
		return jsonResult(result)
	})
}
