// Package repositories persists deck projects.
package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/database"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// ProjectRepository defines the interface for project data access.
// Projects are stored and returned as whole aggregates (source files, key points,
// slides and image metadata included).
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	// List returns every project from one consistent snapshot, oldest first.
	List(ctx context.Context) ([]*models.Project, error)
	// Save replaces the stored aggregate and refreshes UpdatedAt.
	Save(ctx context.Context, project *models.Project) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ImageIDs returns the id of every image referenced by any project.
	ImageIDs(ctx context.Context) ([]uuid.UUID, error)
}

// queryer is satisfied by pgx transactions and the pool.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// projectRepository implements ProjectRepository using PostgreSQL.
type projectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db *database.DB) ProjectRepository {
	return &projectRepository{db: db}
}

// nextUpdatedAt returns a timestamp strictly after prev at database precision.
func nextUpdatedAt(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// Create inserts a new project with all of its children.
func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	settings, err := json.Marshal(project.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	query := `
		INSERT INTO deck_projects (id, name, audience, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = tx.Exec(ctx, query,
		project.ID,
		project.Name,
		string(project.Audience),
		settings,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	if err := writeChildren(ctx, tx, project); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a project by ID.
func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	query := `
		SELECT id, name, audience, settings, created_at, updated_at
		FROM deck_projects
		WHERE id = $1`

	project, err := scanProject(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if err := loadChildren(ctx, tx, []*models.Project{project}); err != nil {
		return nil, err
	}
	return project, nil
}

// List loads every project inside one REPEATABLE READ transaction so that
// concurrent saves are either fully visible or not at all.
func (r *projectRepository) List(ctx context.Context) ([]*models.Project, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	query := `
		SELECT id, name, audience, settings, created_at, updated_at
		FROM deck_projects
		ORDER BY created_at, id`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	projects := make([]*models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}

	if err := loadChildren(ctx, tx, projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Save replaces the project header and all children atomically.
func (r *projectRepository) Save(ctx context.Context, project *models.Project) error {
	settings, err := json.Marshal(project.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	updatedAt := nextUpdatedAt(project.UpdatedAt)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	query := `
		UPDATE deck_projects
		SET name = $2, audience = $3, settings = $4, updated_at = $5
		WHERE id = $1`

	result, err := tx.Exec(ctx, query, project.ID, project.Name, string(project.Audience), settings, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	// Slides cascade to their images.
	for _, table := range []string{"deck_source_files", "deck_key_points", "deck_slides"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE project_id = $1", project.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := writeChildren(ctx, tx, project); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	project.UpdatedAt = updatedAt
	return nil
}

// Delete removes a project by ID.
// Children are deleted via CASCADE.
func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM deck_projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// ImageIDs reads every referenced image id in a single statement.
func (r *projectRepository) ImageIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM deck_images`)
	if err != nil {
		return nil, fmt.Errorf("failed to query image ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan image ids: %w", err)
	}
	return ids, nil
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	var audience string
	var settings []byte

	if err := row.Scan(&p.ID, &p.Name, &audience, &settings, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Audience = models.Audience(audience)
	if err := json.Unmarshal(settings, &p.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	p.SourceFiles = []models.SourceFile{}
	p.KeyPoints = []models.KeyPoint{}
	p.Slides = []models.Slide{}
	return &p, nil
}

// writeChildren queues every child row of project into one batch.
func writeChildren(ctx context.Context, tx pgx.Tx, project *models.Project) error {
	batch := &pgx.Batch{}

	for i, f := range project.SourceFiles {
		if f.ID == uuid.Nil {
			project.SourceFiles[i].ID = uuid.New()
			f.ID = project.SourceFiles[i].ID
		}
		batch.Queue(`
			INSERT INTO deck_source_files (id, project_id, position, name, path, media_type, size_bytes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			f.ID, project.ID, i, f.Name, f.Path, f.MediaType, f.SizeBytes)
	}

	for _, kp := range project.KeyPoints {
		var importance *string
		if kp.Importance != nil {
			s := string(*kp.Importance)
			importance = &s
		}
		batch.Queue(`
			INSERT INTO deck_key_points (project_id, ordinal, content, importance)
			VALUES ($1, $2, $3, $4)`,
			project.ID, kp.Ordinal, kp.Content, importance)
	}

	for i, s := range project.Slides {
		if s.ID == uuid.Nil {
			project.Slides[i].ID = uuid.New()
			s.ID = project.Slides[i].ID
		}
		design, err := json.Marshal(s.Design)
		if err != nil {
			return fmt.Errorf("marshal design: %w", err)
		}
		batch.Queue(`
			INSERT INTO deck_slides (id, project_id, number, title, content, notes, image_prompt, design)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.ID, project.ID, s.Number, s.Title, s.Content, s.Notes, s.ImagePrompt, design)

		if img := s.Image; img != nil {
			batch.Queue(`
				INSERT INTO deck_images (
					id, slide_id, file_ref, source_url, prompt, revised_prompt,
					width, height, format, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				img.ID, s.ID, img.FileRef, img.SourceURL, img.Prompt, img.RevisedPrompt,
				img.Width, img.Height, img.Format, img.CreatedAt)
		}
	}

	if batch.Len() == 0 {
		return nil
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch insert project children: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("batch insert project children: %w", err)
	}
	return nil
}

// loadChildren fills source files, key points and slides for projects with
// one query per child table.
func loadChildren(ctx context.Context, q queryer, projects []*models.Project) error {
	if len(projects) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*models.Project, len(projects))
	ids := make([]uuid.UUID, 0, len(projects))
	for _, p := range projects {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT project_id, id, name, path, media_type, size_bytes
		FROM deck_source_files
		WHERE project_id = ANY($1)
		ORDER BY project_id, position`, ids)
	if err != nil {
		return fmt.Errorf("failed to query source files: %w", err)
	}
	for rows.Next() {
		var pid uuid.UUID
		var f models.SourceFile
		if err := rows.Scan(&pid, &f.ID, &f.Name, &f.Path, &f.MediaType, &f.SizeBytes); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan source file: %w", err)
		}
		byID[pid].SourceFiles = append(byID[pid].SourceFiles, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate source files: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT project_id, ordinal, content, importance
		FROM deck_key_points
		WHERE project_id = ANY($1)
		ORDER BY project_id, ordinal`, ids)
	if err != nil {
		return fmt.Errorf("failed to query key points: %w", err)
	}
	for rows.Next() {
		var pid uuid.UUID
		var kp models.KeyPoint
		var importance *string
		if err := rows.Scan(&pid, &kp.Ordinal, &kp.Content, &importance); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan key point: %w", err)
		}
		if importance != nil {
			kp.Importance = models.ParseImportance(*importance)
		}
		byID[pid].KeyPoints = append(byID[pid].KeyPoints, kp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate key points: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT s.project_id, s.id, s.number, s.title, s.content, s.notes, s.image_prompt, s.design,
		       i.id, i.file_ref, i.source_url, i.prompt, i.revised_prompt,
		       i.width, i.height, i.format, i.created_at
		FROM deck_slides s
		LEFT JOIN deck_images i ON i.slide_id = s.id
		WHERE s.project_id = ANY($1)
		ORDER BY s.project_id, s.number`, ids)
	if err != nil {
		return fmt.Errorf("failed to query slides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pid uuid.UUID
		var s models.Slide
		var design []byte
		var imgID *uuid.UUID
		var fileRef, sourceURL, prompt, revised, format *string
		var width, height *int
		var createdAt *time.Time
		if err := rows.Scan(&pid, &s.ID, &s.Number, &s.Title, &s.Content, &s.Notes, &s.ImagePrompt, &design,
			&imgID, &fileRef, &sourceURL, &prompt, &revised, &width, &height, &format, &createdAt); err != nil {
			return fmt.Errorf("failed to scan slide: %w", err)
		}
		if err := json.Unmarshal(design, &s.Design); err != nil {
			return fmt.Errorf("failed to unmarshal design: %w", err)
		}
		if imgID != nil {
			s.Image = &models.ImageData{
				ID:            *imgID,
				FileRef:       deref(fileRef),
				SourceURL:     deref(sourceURL),
				Prompt:        deref(prompt),
				RevisedPrompt: deref(revised),
				Width:         derefInt(width),
				Height:        derefInt(height),
				Format:        deref(format),
			}
			if createdAt != nil {
				s.Image.CreatedAt = *createdAt
			}
		}
		byID[pid].Slides = append(byID[pid].Slides, s)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate slides: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

// Ensure projectRepository implements ProjectRepository at compile time.
var _ ProjectRepository = (*projectRepository)(nil)
