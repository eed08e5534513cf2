package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
)

type runStatus struct {
	ProjectID uuid.UUID            `json:"project_id"`
	RunID     *uuid.UUID           `json:"run_id,omitempty"`
	State     models.WorkflowState `json:"state"`
	Summary   string               `json:"summary"`
	Error     string               `json:"error,omitempty"`
	Elapsed   string               `json:"elapsed,omitempty"`
}

func statusOf(projectID uuid.UUID, run *services.GenerationRun) runStatus {
	if run == nil {
		state := models.NotStarted()
		return runStatus{ProjectID: projectID, State: state, Summary: state.String()}
	}
	state := run.State()
	status := runStatus{
		ProjectID: projectID,
		RunID:     &run.ID,
		State:     state,
		Summary:   state.String(),
	}
	if !state.IsTerminal() {
		status.Elapsed = time.Since(run.StartedAt).Round(time.Second).String()
	}
	if err := run.Err(); err != nil {
		status.Error = logging.SanitizeError(err)
	}
	return status
}

// RegisterGenerationTools adds start_generation, generation_status,
// cancel_generation and resume_generation.
func RegisterGenerationTools(s *server.MCPServer, deps *Deps) {
	registerStartGeneration(s, deps)
	registerGenerationStatus(s, deps)
	registerCancelGeneration(s, deps)
	registerResumeGeneration(s, deps)
}

func registerStartGeneration(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"start_generation",
		mcp.WithDescription(
			"Start generating slides and images for a project. Returns immediately; "+
				"poll generation_status for progress. When text is omitted the project's uploaded source files are used.",
		),
		withProjectID(),
		mcp.WithString(
			"text",
			mcp.Description("Document text to build the deck from"),
		),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, bad := projectIDParam(req)
		if bad != nil {
			return bad, nil
		}

		run, err := deps.Orchestrator.Start(ctx, services.GenerationRequest{
			ProjectID: projectID,
			Text:      req.GetString("text", ""),
		})
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(statusOf(projectID, run))
	})
}

func registerGenerationStatus(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"generation_status",
		mcp.WithDescription(
			"Get the state of a project's latest generation run, e.g. generating_images(3/8) or failed(generating_slides, rate_limited).",
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
		run, _ := deps.Orchestrator.Run(projectID)
		return jsonResult(statusOf(projectID, run))
	})
}

func registerCancelGeneration(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"cancel_generation",
		mcp.WithDescription("Cancel a project's active generation run. Finished slides and images are kept for resume_generation."),
		withProjectID(),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, bad := projectIDParam(req)
		if bad != nil {
			return bad, nil
		}
		if err := deps.Orchestrator.Cancel(projectID); err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(map[string]any{"project_id": projectID, "cancelled": true})
	})
}

func registerResumeGeneration(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"resume_generation",
		mcp.WithDescription("Resume a failed generation run at the stage that failed, skipping work already done."),
		withProjectID(),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, bad := projectIDParam(req)
		if bad != nil {
			return bad, nil
		}
		run, err := deps.Orchestrator.Resume(ctx, projectID)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(statusOf(projectID, run))
	})
}
