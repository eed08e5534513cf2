package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

type projectSummary struct {
	ID         uuid.UUID            `json:"id"`
	Name       string               `json:"name"`
	Audience   models.Audience      `json:"audience"`
	SlideCount int                  `json:"slide_count"`
	State      models.WorkflowState `json:"state"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

type slideSummary struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Notes    string `json:"notes,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type projectDetail struct {
	projectSummary
	KeyPoints []models.KeyPoint `json:"key_points"`
	Slides    []slideSummary    `json:"slides"`
}

// RegisterProjectTools adds list_projects, get_project and create_project.
func RegisterProjectTools(s *server.MCPServer, deps *Deps) {
	registerListProjects(s, deps)
	registerGetProject(s, deps)
	registerCreateProject(s, deps)
}

func summarize(deps *Deps, p *models.Project) projectSummary {
	return projectSummary{
		ID:         p.ID,
		Name:       p.Name,
		Audience:   p.Audience,
		SlideCount: len(p.Slides),
		State:      deps.Orchestrator.State(p.ID),
		UpdatedAt:  p.UpdatedAt,
	}
}

func registerListProjects(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"list_projects",
		mcp.WithDescription("List all slide deck projects with their slide count and generation state."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projects, err := deps.Store.LoadAll(ctx)
		if err != nil {
			return nil, err
		}
		summaries := make([]projectSummary, 0, len(projects))
		for _, p := range projects {
			summaries = append(summaries, summarize(deps, p))
		}
		return jsonResult(map[string]any{"projects": summaries})
	})
}

func registerGetProject(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"get_project",
		mcp.WithDescription(
			"Get a project's key points and slides. "+
				"Slide images are referenced by URL path (/api/images/{id}) rather than inlined.",
		),
		withProjectID(),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, bad := projectIDParam(req)
		if bad != nil {
			return bad, nil
		}

		p, err := deps.Store.Load(ctx, projectID)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, err
		}

		detail := projectDetail{
			projectSummary: summarize(deps, p),
			KeyPoints:      p.KeyPoints,
			Slides:         make([]slideSummary, 0, len(p.Slides)),
		}
		for _, slide := range p.Slides {
			ss := slideSummary{
				Number:  slide.Number,
				Title:   slide.Title,
				Content: slide.Content,
				Notes:   slide.Notes,
			}
			if slide.Image != nil {
				ss.ImageURL = "/api/images/" + slide.Image.ID.String()
			}
			detail.Slides = append(detail.Slides, ss)
		}
		return jsonResult(detail)
	})
}

func registerCreateProject(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"create_project",
		mcp.WithDescription("Create an empty slide deck project for an audience."),
		mcp.WithString(
			"name",
			mcp.Required(),
			mcp.Description("Project name"),
		),
		mcp.WithString(
			"audience",
			mcp.Description("Target audience; sets tone and visual design"),
			mcp.Enum(string(models.AudienceKids), string(models.AudienceAdults), string(models.AudienceBusiness)),
			mcp.DefaultString(string(models.AudienceAdults)),
		),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return NewErrorResult("invalid_parameters", "parameter 'name' is required"), nil
		}
		audience, err := models.ParseAudience(req.GetString("audience", string(models.AudienceAdults)))
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		p, err := deps.Store.Create(ctx, name, audience)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(summarize(deps, p))
	})
}
