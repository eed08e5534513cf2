package handlers

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/export"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

// MaxUploadBytes caps a single source file upload.
const MaxUploadBytes = 32 << 20

// RunStatus reports generation activity. Implemented by *services.GenerationOrchestrator.
type RunStatus interface {
	State(projectID uuid.UUID) models.WorkflowState
}

// ProjectSummary is the list representation of a project.
type ProjectSummary struct {
	ID         uuid.UUID            `json:"id"`
	Name       string               `json:"name"`
	Audience   models.Audience      `json:"audience"`
	SlideCount int                  `json:"slide_count"`
	State      models.WorkflowState `json:"state"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Name     string `json:"name"`
	Audience string `json:"audience"`
}

// UpdateProjectRequest is the body of PATCH /api/projects/{pid}.
// Nil fields are left unchanged; slide edits are matched by number.
type UpdateProjectRequest struct {
	Name     *string                 `json:"name,omitempty"`
	Audience *string                 `json:"audience,omitempty"`
	Settings *models.ProjectSettings `json:"settings,omitempty"`
	Slides   []SlideEdit             `json:"slides,omitempty"`
}

// SlideEdit changes the text of one slide.
type SlideEdit struct {
	Number  int     `json:"number"`
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

// DuplicateProjectRequest is the body of POST /api/projects/{pid}/duplicate.
type DuplicateProjectRequest struct {
	Name string `json:"name"`
}

// ProjectsHandler handles project, source file, export and image requests.
type ProjectsHandler struct {
	store    services.ProjectStore
	runs     RunStatus
	exporter export.PresentationExporter
	logger   *zap.Logger
}

// NewProjectsHandler creates a new projects handler.
func NewProjectsHandler(store services.ProjectStore, runs RunStatus, exporter export.PresentationExporter, logger *zap.Logger) *ProjectsHandler {
	return &ProjectsHandler{
		store:    store,
		runs:     runs,
		exporter: exporter,
		logger:   logger,
	}
}

// RegisterRoutes registers the projects handler's routes on the given mux.
func (h *ProjectsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.List)
	mux.HandleFunc("POST /api/projects", h.Create)
	mux.HandleFunc("GET /api/projects/{pid}", h.Get)
	mux.HandleFunc("PATCH /api/projects/{pid}", h.Update)
	mux.HandleFunc("DELETE /api/projects/{pid}", h.Delete)
	mux.HandleFunc("POST /api/projects/{pid}/duplicate", h.Duplicate)
	mux.HandleFunc("POST /api/projects/{pid}/sources", h.UploadSource)
	mux.HandleFunc("GET /api/projects/{pid}/export", h.Export)

	mux.HandleFunc("GET /api/images/{iid}", h.GetImage)
	mux.HandleFunc("POST /api/images/cleanup", h.CleanupImages)
}

// List handles GET /api/projects
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.LoadAll(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list projects")
		return
	}

	summaries := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		summaries = append(summaries, ProjectSummary{
			ID:         p.ID,
			Name:       p.Name,
			Audience:   p.Audience,
			SlideCount: len(p.Slides),
			State:      h.runs.State(p.ID),
			CreatedAt:  p.CreatedAt,
			UpdatedAt:  p.UpdatedAt,
		})
	}
	writeResponse(w, h.logger, http.StatusOK, summaries)
}

// Create handles POST /api/projects
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decodeJSON(w, r, h.logger, &req) {
		return
	}

	audience := models.AudienceAdults
	if req.Audience != "" {
		parsed, err := models.ParseAudience(req.Audience)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_audience", err.Error())
			return
		}
		audience = parsed
	}

	project, err := h.store.Create(r.Context(), req.Name, audience)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to create project")
		return
	}
	writeResponse(w, h.logger, http.StatusCreated, project)
}

// Get handles GET /api/projects/{pid}
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	project, err := h.store.Load(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get project",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, http.StatusOK, project)
}

// Update handles PATCH /api/projects/{pid}
// Edits are refused while a generation run is active.
func (h *ProjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateProjectRequest
	if !decodeJSON(w, r, h.logger, &req) {
		return
	}

	project, err := h.store.Load(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to update project",
			zap.String("project_id", projectID.String()))
		return
	}

	if err := applyUpdate(project, req); err != nil {
		writeServiceError(w, h.logger, err, "Failed to update project")
		return
	}

	if err := h.store.Save(r.Context(), project); err != nil {
		writeServiceError(w, h.logger, err, "Failed to update project",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, http.StatusOK, project)
}

func applyUpdate(project *models.Project, req UpdateProjectRequest) error {
	if req.Name != nil {
		project.Name = strings.TrimSpace(*req.Name)
	}
	if req.Audience != nil {
		audience, err := models.ParseAudience(*req.Audience)
		if err != nil {
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, err.Error())
		}
		if audience != project.Audience {
			project.Audience = audience
			design := models.DesignFor(audience)
			for i := range project.Slides {
				project.Slides[i].Design = design
			}
		}
	}
	if req.Settings != nil {
		project.Settings = *req.Settings
	}
	for _, edit := range req.Slides {
		slide := project.SlideByNumber(edit.Number)
		if slide == nil {
			return fmt.Errorf("%w: slide %d does not exist", apperrors.ErrInvalidInput, edit.Number)
		}
		if edit.Title != nil {
			slide.Title = *edit.Title
		}
		if edit.Content != nil {
			slide.Content = *edit.Content
		}
		if edit.Notes != nil {
			slide.Notes = *edit.Notes
		}
	}
	return nil
}

// Delete handles DELETE /api/projects/{pid}
func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), projectID); err != nil {
		writeServiceError(w, h.logger, err, "Failed to delete project",
			zap.String("project_id", projectID.String()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Duplicate handles POST /api/projects/{pid}/duplicate
// An empty body names the copy after the original.
func (h *ProjectsHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req DuplicateProjectRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, h.logger, &req) {
			return
		}
	}

	project, err := h.store.Duplicate(r.Context(), projectID, req.Name)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to duplicate project",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, http.StatusCreated, project)
}

// UploadSource handles POST /api/projects/{pid}/sources
// Expects a multipart form with a "file" part.
func (h *ProjectsHandler) UploadSource(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_upload", "Expected a multipart form with a file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_upload", "Failed to read uploaded file")
		return
	}
	if len(data) > MaxUploadBytes {
		writeError(w, h.logger, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Sprintf("Files are limited to %d MB", MaxUploadBytes>>20))
		return
	}

	mediaType := header.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}

	source, err := h.store.AddSourceFile(r.Context(), projectID, header.Filename, mediaType, data)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to store source file",
			zap.String("project_id", projectID.String()))
		return
	}
	writeResponse(w, h.logger, http.StatusCreated, source)
}

// Export handles GET /api/projects/{pid}/export
func (h *ProjectsHandler) Export(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	project, err := h.store.Load(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to export project",
			zap.String("project_id", projectID.String()))
		return
	}
	if len(project.Slides) == 0 {
		writeError(w, h.logger, http.StatusConflict, "not_generated", "Project has no slides yet")
		return
	}

	var buf bytes.Buffer
	if err := h.exporter.Export(r.Context(), project, &buf); err != nil {
		writeServiceError(w, h.logger, err, "Failed to export project",
			zap.String("project_id", projectID.String()))
		return
	}

	w.Header().Set("Content-Type", h.exporter.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": export.Filename(project.Name)}))
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("Failed to write export", zap.Error(err))
	}
}

// GetImage handles GET /api/images/{iid}
func (h *ProjectsHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	imageID, ok := ParseImageID(w, r, h.logger)
	if !ok {
		return
	}

	data, format, err := h.store.ReadImageByID(r.Context(), imageID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to read image",
			zap.String("image_id", imageID.String()))
		return
	}

	// Image ids are never reused, so the bytes behind one never change.
	w.Header().Set("Content-Type", storage.ContentTypeFor(format))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write image", zap.Error(err))
	}
}

// CleanupImages handles POST /api/images/cleanup
func (h *ProjectsHandler) CleanupImages(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.CleanupImages(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to clean up images")
		return
	}
	writeResponse(w, h.logger, http.StatusOK, map[string]int{"deleted": deleted})
}
