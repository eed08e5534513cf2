package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
)

// sseKeepAlive is how often an idle event stream sends a comment line.
const sseKeepAlive = 15 * time.Second

// StartGenerationRequest is the body of POST /api/projects/{pid}/generation.
// An empty Text ingests the project's uploaded source files instead.
type StartGenerationRequest struct {
	Text string `json:"text,omitempty"`
}

// RunResponse describes a generation run.
type RunResponse struct {
	RunID     *uuid.UUID           `json:"run_id,omitempty"`
	ProjectID uuid.UUID            `json:"project_id"`
	State     models.WorkflowState `json:"state"`
	Error     string               `json:"error,omitempty"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
}

// GenerationHandler starts, observes, cancels and resumes generation runs.
type GenerationHandler struct {
	orchestrator *services.GenerationOrchestrator
	logger       *zap.Logger
}

// NewGenerationHandler creates a new generation handler.
func NewGenerationHandler(orchestrator *services.GenerationOrchestrator, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// RegisterRoutes registers the generation handler's routes on the given mux.
func (h *GenerationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects/{pid}/generation", h.Start)
	mux.HandleFunc("GET /api/projects/{pid}/generation", h.Status)
	mux.HandleFunc("GET /api/projects/{pid}/generation/events", h.Events)
	mux.HandleFunc("POST /api/projects/{pid}/generation/cancel", h.Cancel)
	mux.HandleFunc("POST /api/projects/{pid}/generation/resume", h.Resume)
}

// Start handles POST /api/projects/{pid}/generation
func (h *GenerationHandler) Start(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req StartGenerationRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, h.logger, &req) {
			return
		}
	}

	run, err := h.orchestrator.Start(r.Context(), services.GenerationRequest{
		ProjectID: projectID,
		Text:      req.Text,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to start generation",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, http.StatusAccepted, runResponse(projectID, run))
}

// Status handles GET /api/projects/{pid}/generation
func (h *GenerationHandler) Status(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	run, _ := h.orchestrator.Run(projectID)
	writeResponse(w, h.logger, http.StatusOK, runResponse(projectID, run))
}

// Events handles GET /api/projects/{pid}/generation/events as a server-sent
// event stream. The stream ends after the run's terminal event.
func (h *GenerationHandler) Events(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	run, found := h.orchestrator.Run(projectID)
	if !found {
		writeError(w, h.logger, http.StatusNotFound, "not_found", "Project has no generation run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.logger, http.StatusInternalServerError, "streaming_unsupported", "Streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := run.Subscribe()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("Event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev services.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := "progress"
	if ev.State.IsTerminal() {
		name = string(ev.State.Phase)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// Cancel handles POST /api/projects/{pid}/generation/cancel
func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.orchestrator.Cancel(projectID); err != nil {
		writeServiceError(w, h.logger, err, "Failed to cancel generation",
			zap.String("project_id", projectID.String()))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Resume handles POST /api/projects/{pid}/generation/resume
func (h *GenerationHandler) Resume(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	run, err := h.orchestrator.Resume(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to resume generation",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, http.StatusAccepted, runResponse(projectID, run))
}

func runResponse(projectID uuid.UUID, run *services.GenerationRun) RunResponse {
	if run == nil {
		return RunResponse{ProjectID: projectID, State: models.NotStarted()}
	}
	resp := RunResponse{
		RunID:     &run.ID,
		ProjectID: projectID,
		State:     run.State(),
		StartedAt: &run.StartedAt,
	}
	if err := run.Err(); err != nil {
		resp.Error = logging.SanitizeError(err)
	}
	return resp
}
