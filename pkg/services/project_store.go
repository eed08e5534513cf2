package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/repositories"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

// ProjectStore persists projects and owns their image and source files.
type ProjectStore interface {
	Create(ctx context.Context, name string, audience models.Audience) (*models.Project, error)
	Load(ctx context.Context, id uuid.UUID) (*models.Project, error)
	LoadAll(ctx context.Context) ([]*models.Project, error)
	// Save validates and stores p, refreshing UpdatedAt. Image files of slides
	// that were removed or re-illustrated are deleted. Source files are owned
	// by AddSourceFile: p's list is replaced with the stored one. Saving is
	// refused while a generation run is active.
	Save(ctx context.Context, p *models.Project) error
	// Delete removes the project and, best effort, its files.
	Delete(ctx context.Context, id uuid.UUID) error
	// Duplicate deep-copies a project with new identities and new image files.
	Duplicate(ctx context.Context, id uuid.UUID, newName string) (*models.Project, error)
	// ReferencedImageIDs returns every image id in use, read from one snapshot.
	ReferencedImageIDs(ctx context.Context) (map[uuid.UUID]struct{}, error)
	// CleanupImages deletes stored images no project references and returns
	// how many. Images younger than the cleanup grace period are kept, since
	// another process may be about to save the project that references them.
	CleanupImages(ctx context.Context) (int, error)
	// SaveGenerated writes pending images, attaches them to their slides and
	// stores p's key points and slides onto the current record.
	SaveGenerated(ctx context.Context, p *models.Project, images []PendingImage) error
	ReadImage(ctx context.Context, img models.ImageData) ([]byte, error)
	ReadImageByID(ctx context.Context, id uuid.UUID) ([]byte, string, error)
	// AddSourceFile stores a document for the next run. It is refused while
	// a generation run is active.
	AddSourceFile(ctx context.Context, projectID uuid.UUID, name, mediaType string, data []byte) (*models.SourceFile, error)
}

// DefaultImageCleanupGrace is how long a new image file is protected from
// cleanup while its project has not been saved yet.
const DefaultImageCleanupGrace = 15 * time.Minute

// ProjectStoreOption configures a ProjectStore.
type ProjectStoreOption func(*projectStore)

// WithImageCleanupGrace sets how old an unreferenced image must be before
// CleanupImages deletes it. Zero deletes every unreferenced image.
func WithImageCleanupGrace(d time.Duration) ProjectStoreOption {
	return func(s *projectStore) { s.cleanupGrace = d }
}

type projectStore struct {
	repo   repositories.ProjectRepository
	blobs  storage.BlobStore
	locker RunLocker
	logger *zap.Logger

	cleanupGrace time.Duration
	now          func() time.Time

	// imageMu serialises image cleanup (write lock) against every operation
	// in this process that creates or deletes image files (read lock). Other
	// processes are covered by cleanupGrace.
	imageMu sync.RWMutex
	// recordMu serialises read-modify-write of stored records. Acquired after imageMu.
	recordMu sync.Mutex
}

// NewProjectStore creates a ProjectStore. locker is consulted to refuse
// duplicating or deleting a project with an active generation run.
func NewProjectStore(repo repositories.ProjectRepository, blobs storage.BlobStore, locker RunLocker, logger *zap.Logger, opts ...ProjectStoreOption) ProjectStore {
	s := &projectStore{
		repo:         repo,
		blobs:        blobs,
		locker:       locker,
		logger:       logger.Named("project-store"),
		cleanupGrace: DefaultImageCleanupGrace,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *projectStore) Create(ctx context.Context, name string, audience models.Audience) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", apperrors.ErrInvalidInput)
	}
	if !audience.IsValid() {
		return nil, fmt.Errorf("%w: unknown audience %q", apperrors.ErrInvalidInput, audience)
	}

	p := &models.Project{
		ID:          uuid.New(),
		Name:        name,
		Audience:    audience,
		SourceFiles: []models.SourceFile{},
		KeyPoints:   []models.KeyPoint{},
		Slides:      []models.Slide{},
		Settings:    models.DefaultProjectSettings(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Info("Project created",
		zap.String("project_id", p.ID.String()),
		zap.String("audience", string(audience)))
	return p, nil
}

func (s *projectStore) Load(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	return p, nil
}

func (s *projectStore) LoadAll(ctx context.Context) ([]*models.Project, error) {
	projects, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}
	return projects, nil
}

func (s *projectStore) Save(ctx context.Context, p *models.Project) error {
	if err := s.rejectActive(ctx, p.ID); err != nil {
		return err
	}

	s.imageMu.RLock()
	defer s.imageMu.RUnlock()

	return s.saveLocked(ctx, p, nil)
}

// saveLocked stores p and then removes image files that the stored version
// referenced but p no longer does. p keeps the stored source files.
// Callers hold imageMu for reading.
// keep lists files written for p that must survive even if unreferenced before.
func (s *projectStore) saveLocked(ctx context.Context, p *models.Project, keep map[string]bool) error {
	if err := validateProject(p); err != nil {
		return err
	}

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	previous, err := s.repo.Get(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", p.ID, err)
	}
	p.SourceFiles = previous.SourceFiles

	if err := s.repo.Save(ctx, p); err != nil {
		return fmt.Errorf("failed to save project %s: %w", p.ID, err)
	}

	current := make(map[uuid.UUID]bool)
	for _, id := range p.ImageIDs() {
		current[id] = true
	}
	for _, slide := range previous.Slides {
		if img := slide.Image; img != nil && !current[img.ID] && !keep[img.FileRef] {
			s.deleteBlob(ctx, img.FileRef, p.ID)
		}
	}
	return nil
}

func validateProject(p *models.Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: project name is required", apperrors.ErrInvalidInput)
	}
	if !p.Audience.IsValid() {
		return fmt.Errorf("%w: unknown audience %q", apperrors.ErrInvalidInput, p.Audience)
	}
	if err := models.ValidateOrdinals(p.KeyPoints); err != nil {
		return fmt.Errorf("%w: key points: %v", apperrors.ErrInvalidInput, err)
	}
	seen := make(map[int]bool, len(p.Slides))
	for _, slide := range p.Slides {
		if slide.Number < 1 || seen[slide.Number] {
			return fmt.Errorf("%w: slide number %d is invalid or repeated", apperrors.ErrInvalidInput, slide.Number)
		}
		seen[slide.Number] = true
	}
	return nil
}

func (s *projectStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.rejectActive(ctx, id); err != nil {
		return err
	}

	s.imageMu.RLock()
	defer s.imageMu.RUnlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", id, err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}

	for _, slide := range p.Slides {
		if slide.Image != nil {
			s.deleteBlob(ctx, slide.Image.FileRef, id)
		}
	}
	for _, f := range p.SourceFiles {
		s.deleteBlob(ctx, f.Path, id)
	}

	s.logger.Info("Project deleted", zap.String("project_id", id.String()))
	return nil
}

// deleteBlob removes a file best effort: a missing file is fine, other
// failures are logged and left for CleanupImages.
func (s *projectStore) deleteBlob(ctx context.Context, key string, projectID uuid.UUID) {
	if key == "" {
		return
	}
	err := s.blobs.Delete(ctx, key)
	if err == nil || errors.Is(err, apperrors.ErrNotFound) {
		return
	}
	s.logger.Warn("Failed to delete project file",
		zap.String("project_id", projectID.String()),
		zap.String("key", key),
		zap.Error(err))
}

func (s *projectStore) rejectActive(ctx context.Context, id uuid.UUID) error {
	locked, err := s.locker.Locked(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check active run: %w", err)
	}
	if locked {
		return apperrors.ErrRunInProgress
	}
	return nil
}

func (s *projectStore) Duplicate(ctx context.Context, id uuid.UUID, newName string) (*models.Project, error) {
	if err := s.rejectActive(ctx, id); err != nil {
		return nil, err
	}

	s.imageMu.RLock()
	defer s.imageMu.RUnlock()

	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}

	dup := src.Clone()
	dup.ID = uuid.New()
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	dup.Name = strings.TrimSpace(newName)
	if dup.Name == "" {
		dup.Name = src.Name + " (copy)"
	}

	var written []string
	undo := func() {
		for _, key := range written {
			s.deleteBlob(ctx, key, dup.ID)
		}
	}

	now := time.Now().UTC()
	for i := range dup.Slides {
		slide := &dup.Slides[i]
		slide.ID = uuid.New()
		if slide.Image == nil {
			continue
		}
		newID := uuid.New()
		newKey := storage.ImageKey(newID, slide.Image.Format)
		if err := s.blobs.Copy(ctx, slide.Image.FileRef, newKey); err != nil {
			undo()
			return nil, fmt.Errorf("failed to copy image for slide %d: %w", slide.Number, err)
		}
		written = append(written, newKey)
		slide.Image.ID = newID
		slide.Image.FileRef = newKey
		slide.Image.CreatedAt = now
	}

	for i := range dup.SourceFiles {
		f := &dup.SourceFiles[i]
		f.ID = uuid.New()
		newKey := storage.SourceKey(f.ID, f.Name)
		if err := s.blobs.Copy(ctx, f.Path, newKey); err != nil {
			undo()
			return nil, fmt.Errorf("failed to copy source file %s: %w", f.Name, err)
		}
		written = append(written, newKey)
		f.Path = newKey
	}

	if err := s.repo.Create(ctx, dup); err != nil {
		undo()
		return nil, fmt.Errorf("failed to create duplicate: %w", err)
	}

	s.logger.Info("Project duplicated",
		zap.String("source_id", id.String()),
		zap.String("project_id", dup.ID.String()),
		zap.Int("images", len(dup.ImageIDs())))
	return dup, nil
}

func (s *projectStore) ReferencedImageIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	ids, err := s.repo.ImageIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read referenced images: %w", err)
	}
	used := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		used[id] = struct{}{}
	}
	return used, nil
}

func (s *projectStore) CleanupImages(ctx context.Context) (int, error) {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()

	used, err := s.ReferencedImageIDs(ctx)
	if err != nil {
		return 0, err
	}

	blobs, err := s.blobs.ListInfo(ctx, storage.ImagesPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to list images: %w", err)
	}

	cutoff := s.now().Add(-s.cleanupGrace)
	deleted, recent := 0, 0
	for _, blob := range blobs {
		id, ok := storage.ImageIDFromKey(blob.Key)
		if !ok {
			continue
		}
		if _, inUse := used[id]; inUse {
			continue
		}
		if blob.ModTime.After(cutoff) {
			recent++
			continue
		}
		if err := s.blobs.Delete(ctx, blob.Key); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return deleted, fmt.Errorf("failed to delete image %s: %w", blob.Key, err)
		}
		deleted++
	}

	s.logger.Info("Image cleanup finished",
		zap.Int("stored", len(blobs)),
		zap.Int("referenced", len(used)),
		zap.Int("recent", recent),
		zap.Int("deleted", deleted))
	return deleted, nil
}

func (s *projectStore) SaveGenerated(ctx context.Context, p *models.Project, images []PendingImage) error {
	s.imageMu.RLock()
	defer s.imageMu.RUnlock()

	written := make(map[string]bool, len(images))
	undo := func() {
		for key := range written {
			s.deleteBlob(ctx, key, p.ID)
		}
	}

	now := time.Now().UTC()
	for _, pending := range images {
		slide := p.SlideByNumber(pending.SlideNumber)
		if slide == nil || pending.Image == nil {
			undo()
			return apperrors.WithKind(apperrors.KindFatal,
				fmt.Sprintf("no slide %d for generated image", pending.SlideNumber), nil)
		}

		img := pending.Image
		id := uuid.New()
		key := storage.ImageKey(id, img.Format)
		if err := s.blobs.Put(ctx, key, img.Data, storage.ContentTypeFor(img.Format)); err != nil {
			undo()
			return fmt.Errorf("failed to write image for slide %d: %w", slide.Number, err)
		}
		written[key] = true

		slide.Image = &models.ImageData{
			ID:            id,
			FileRef:       key,
			SourceURL:     img.SourceURL,
			Prompt:        img.Prompt,
			RevisedPrompt: img.RevisedPrompt,
			Width:         img.Width,
			Height:        img.Height,
			Format:        img.Format,
			CreatedAt:     now,
		}
	}

	// Merge onto the stored record so edits made since the run began survive.
	current, err := s.repo.Get(ctx, p.ID)
	if err != nil {
		undo()
		return fmt.Errorf("failed to load project %s: %w", p.ID, err)
	}
	current.KeyPoints = p.KeyPoints
	current.Slides = p.Slides

	if err := s.saveLocked(ctx, current, written); err != nil {
		undo()
		return err
	}
	*p = *current
	return nil
}

func (s *projectStore) ReadImage(ctx context.Context, img models.ImageData) ([]byte, error) {
	data, err := s.blobs.Get(ctx, img.FileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", img.ID, err)
	}
	return data, nil
}

// ReadImageByID finds the stored file for an image id and returns it with its format.
func (s *projectStore) ReadImageByID(ctx context.Context, id uuid.UUID) ([]byte, string, error) {
	keys, err := s.blobs.List(ctx, storage.ImagesPrefix()+id.String()+".")
	if err != nil {
		return nil, "", fmt.Errorf("failed to find image %s: %w", id, err)
	}
	if len(keys) == 0 {
		return nil, "", fmt.Errorf("image %s: %w", id, apperrors.ErrNotFound)
	}
	data, err := s.blobs.Get(ctx, keys[0])
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image %s: %w", id, err)
	}
	format := keys[0][strings.LastIndex(keys[0], ".")+1:]
	return data, format, nil
}

func (s *projectStore) AddSourceFile(ctx context.Context, projectID uuid.UUID, name, mediaType string, data []byte) (*models.SourceFile, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: file name is required", apperrors.ErrInvalidInput)
	}
	if err := s.rejectActive(ctx, projectID); err != nil {
		return nil, err
	}

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	p, err := s.repo.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}

	f := models.SourceFile{
		ID:        uuid.New(),
		Name:      name,
		MediaType: mediaType,
		SizeBytes: int64(len(data)),
	}
	f.Path = storage.SourceKey(f.ID, name)
	if err := s.blobs.Put(ctx, f.Path, data, mediaType); err != nil {
		return nil, fmt.Errorf("failed to store source file: %w", err)
	}

	p.SourceFiles = append(p.SourceFiles, f)
	if err := s.repo.Save(ctx, p); err != nil {
		s.deleteBlob(ctx, f.Path, projectID)
		return nil, fmt.Errorf("failed to save project %s: %w", projectID, err)
	}
	return &f, nil
}

var _ ProjectStore = (*projectStore)(nil)
