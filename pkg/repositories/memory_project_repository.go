package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// memoryProjectRepository keeps projects in process memory.
// Every read and write deep-copies, so callers never share slices with the store.
type memoryProjectRepository struct {
	mu       sync.RWMutex
	projects map[uuid.UUID]*models.Project
}

// NewMemoryProjectRepository creates a ProjectRepository without a database.
func NewMemoryProjectRepository() ProjectRepository {
	return &memoryProjectRepository{projects: make(map[uuid.UUID]*models.Project)}
}

func (r *memoryProjectRepository) Create(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	assignChildIDs(project)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[project.ID]; exists {
		return apperrors.ErrConflict
	}
	r.projects[project.ID] = project.Clone()
	return nil
}

func (r *memoryProjectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *memoryProjectRepository) List(ctx context.Context) ([]*models.Project, error) {
	r.mu.RLock()
	projects := make([]*models.Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].ID.String() < projects[j].ID.String()
		}
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (r *memoryProjectRepository) Save(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[project.ID]; !ok {
		return apperrors.ErrNotFound
	}

	assignChildIDs(project)
	project.UpdatedAt = nextUpdatedAt(project.UpdatedAt)
	r.projects[project.ID] = project.Clone()
	return nil
}

func (r *memoryProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.projects, id)
	return nil
}

func (r *memoryProjectRepository) ImageIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []uuid.UUID
	for _, p := range r.projects {
		ids = append(ids, p.ImageIDs()...)
	}
	return ids, nil
}

func assignChildIDs(project *models.Project) {
	for i := range project.SourceFiles {
		if project.SourceFiles[i].ID == uuid.Nil {
			project.SourceFiles[i].ID = uuid.New()
		}
	}
	for i := range project.Slides {
		if project.Slides[i].ID == uuid.Nil {
			project.Slides[i].ID = uuid.New()
		}
	}
}

var _ ProjectRepository = (*memoryProjectRepository)(nil)
