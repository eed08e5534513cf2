package tools

import (
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// projectIDParam reads and parses the required project_id argument. A nil
// result means the id was valid; otherwise the result describes the problem.
func projectIDParam(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString("project_id")
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_parameters", "parameter 'project_id' is required")
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_parameters", "parameter 'project_id' must be a UUID")
	}
	return id, nil
}

func withProjectID() mcp.ToolOption {
	return mcp.WithString(
		"project_id",
		mcp.Required(),
		mcp.Description("Project UUID, as returned by list_projects or create_project"),
	)
}
