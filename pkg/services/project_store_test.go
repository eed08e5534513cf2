package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/repositories"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

type storeFixture struct {
	store  ProjectStore
	repo   repositories.ProjectRepository
	blobs  *storage.FileStore
	locker RunLocker
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	return newStoreFixtureWithLocker(t, NewMemoryRunLocker())
}

func newStoreFixtureWithLocker(t *testing.T, locker RunLocker) *storeFixture {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	repo := repositories.NewMemoryProjectRepository()
	return &storeFixture{
		store:  NewProjectStore(repo, blobs, locker, zap.NewNop()),
		repo:   repo,
		blobs:  blobs,
		locker: locker,
	}
}

// illustratedProject creates a project whose n slides all carry stored images.
func (f *storeFixture) illustratedProject(t *testing.T, name string, n int) *models.Project {
	t.Helper()
	ctx := context.Background()

	p, err := f.store.Create(ctx, name, models.AudienceAdults)
	require.NoError(t, err)

	p.KeyPoints = llm.DefaultKeyPoints(n)
	p.Slides = numberedSlides(n)
	var pending []PendingImage
	for i := 1; i <= n; i++ {
		pending = append(pending, PendingImage{
			SlideNumber: i,
			Image:       &llm.GeneratedImage{Data: []byte{byte(i), 0x89, 'P'}, Format: "png", Width: 64, Height: 64},
		})
	}
	require.NoError(t, f.store.SaveGenerated(ctx, p, pending))
	return p
}

func TestProjectStore_CreateValidates(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, "  ", models.AudienceKids)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.store.Create(ctx, "Deck", models.Audience("pirates"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	p, err := f.store.Create(ctx, " Deck ", models.AudienceKids)
	require.NoError(t, err)
	assert.Equal(t, "Deck", p.Name)
	assert.Equal(t, models.DefaultProjectSettings(), p.Settings)
	assert.False(t, p.CreatedAt.IsZero())

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, loaded.ID)
}

func TestProjectStore_SaveRefreshesUpdatedAt(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceBusiness)
	require.NoError(t, err)
	before := p.UpdatedAt

	p.Name = "Renamed"
	require.NoError(t, f.store.Save(ctx, p))
	assert.True(t, p.UpdatedAt.After(before))

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", loaded.Name)
}

func TestProjectStore_SaveRejectsBrokenOrdinals(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceBusiness)
	require.NoError(t, err)

	p.KeyPoints = []models.KeyPoint{{Content: "a", Ordinal: 1}, {Content: "b", Ordinal: 3}}
	assert.ErrorIs(t, f.store.Save(ctx, p), apperrors.ErrInvalidInput)

	p.KeyPoints = nil
	p.Slides = []models.Slide{{Number: 1, Title: "a"}, {Number: 1, Title: "b"}}
	assert.ErrorIs(t, f.store.Save(ctx, p), apperrors.ErrInvalidInput)
}

func TestProjectStore_SaveGeneratedWritesImages(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	p := f.illustratedProject(t, "Deck", 3)

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	for _, slide := range loaded.Slides {
		require.NotNil(t, slide.Image, "slide %d", slide.Number)
		assert.Equal(t, storage.ImageKey(slide.Image.ID, "png"), slide.Image.FileRef)

		data, err := f.store.ReadImage(ctx, *slide.Image)
		require.NoError(t, err)
		assert.Equal(t, byte(slide.Number), data[0])

		byID, format, err := f.store.ReadImageByID(ctx, slide.Image.ID)
		require.NoError(t, err)
		assert.Equal(t, data, byID)
		assert.Equal(t, "png", format)
	}
}

func TestProjectStore_SaveGeneratedUnknownSlide(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)
	p.Slides = numberedSlides(1)

	err = f.store.SaveGenerated(ctx, p, []PendingImage{
		{SlideNumber: 1, Image: &llm.GeneratedImage{Data: []byte("a"), Format: "png"}},
		{SlideNumber: 9, Image: &llm.GeneratedImage{Data: []byte("b"), Format: "png"}},
	})
	assert.Equal(t, apperrors.KindFatal, apperrors.KindOf(err))

	keys, err := f.blobs.List(ctx, storage.ImagesPrefix())
	require.NoError(t, err)
	assert.Empty(t, keys, "written images must be removed when the save fails")
}

func TestProjectStore_SaveDeletesReplacedImages(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	p := f.illustratedProject(t, "Deck", 3)

	removed := *p.Slides[2].Image
	p.Slides = p.Slides[:2]
	p.KeyPoints = p.KeyPoints[:2]
	require.NoError(t, f.store.Save(ctx, p))

	_, err := f.blobs.Get(ctx, removed.FileRef)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	keys, err := f.blobs.List(ctx, storage.ImagesPrefix())
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestProjectStore_DuplicateDoesNotAlias(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	src := f.illustratedProject(t, "Original", 3)

	dup, err := f.store.Duplicate(ctx, src.ID, "")
	require.NoError(t, err)

	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, "Original (copy)", dup.Name)
	assert.True(t, dup.CreatedAt.After(src.CreatedAt) || dup.CreatedAt.Equal(src.CreatedAt))
	require.Len(t, dup.Slides, 3)

	for i := range dup.Slides {
		s, d := src.Slides[i], dup.Slides[i]
		assert.NotEqual(t, s.ID, d.ID)
		assert.Equal(t, s.Title, d.Title)
		require.NotNil(t, d.Image)
		assert.NotEqual(t, s.Image.ID, d.Image.ID)
		assert.NotEqual(t, s.Image.FileRef, d.Image.FileRef)

		srcBytes, err := f.store.ReadImage(ctx, *s.Image)
		require.NoError(t, err)
		dupBytes, err := f.store.ReadImage(ctx, *d.Image)
		require.NoError(t, err)
		assert.Equal(t, srcBytes, dupBytes)
	}

	// Editing the copy leaves the source untouched.
	dup.Slides[0].Title = "Changed"
	require.NoError(t, f.store.Save(ctx, dup))
	reloaded, err := f.store.Load(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.Slides[0].Title, reloaded.Slides[0].Title)

	// Deleting the source keeps the copy's image files.
	require.NoError(t, f.store.Delete(ctx, src.ID))
	for _, d := range dup.Slides {
		_, err := f.store.ReadImage(ctx, *d.Image)
		assert.NoError(t, err)
	}
}

func TestProjectStore_DuplicateRejectedDuringRun(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceKids)
	require.NoError(t, err)

	ok, err := f.locker.Acquire(ctx, p.ID, uuid.New())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.store.Duplicate(ctx, p.ID, "copy")
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestProjectStore_DeleteIgnoresMissingFiles(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	p := f.illustratedProject(t, "Deck", 2)

	require.NoError(t, f.blobs.Delete(ctx, p.Slides[0].Image.FileRef))

	require.NoError(t, f.store.Delete(ctx, p.ID))

	_, err := f.store.Load(ctx, p.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	keys, err := f.blobs.List(ctx, storage.ImagesPrefix())
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, f.store.Delete(ctx, p.ID), apperrors.ErrNotFound)
}

func TestProjectStore_CleanupKeepsReferencedImages(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	a := f.illustratedProject(t, "A", 2)
	b := f.illustratedProject(t, "B", 3)

	orphan := storage.ImageKey(uuid.New(), "png")
	require.NoError(t, f.blobs.Put(ctx, orphan, []byte("orphan"), "image/png"))
	require.NoError(t, f.blobs.Put(ctx, storage.ImagesPrefix()+"notes.txt", []byte("x"), "text/plain"))

	used, err := f.store.ReferencedImageIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, used, 5)

	later := time.Now().Add(DefaultImageCleanupGrace + time.Minute)
	f.store.(*projectStore).now = func() time.Time { return later }

	deleted, err := f.store.CleanupImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	for _, p := range []*models.Project{a, b} {
		for _, slide := range p.Slides {
			_, err := f.store.ReadImage(ctx, *slide.Image)
			assert.NoError(t, err, "referenced image of %s slide %d was removed", p.Name, slide.Number)
		}
	}
	_, err = f.blobs.Get(ctx, orphan)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	deleted, err = f.store.CleanupImages(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestProjectStore_AddSourceFile(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)

	file, err := f.store.AddSourceFile(ctx, p.ID, "notes.md", "text/markdown", []byte("# Notes"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), file.SizeBytes)

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, loaded.SourceFiles, 1)
	assert.Equal(t, file.Path, loaded.SourceFiles[0].Path)

	data, err := f.blobs.Get(ctx, file.Path)
	require.NoError(t, err)
	assert.Equal(t, "# Notes", string(data))

	_, err = f.store.AddSourceFile(ctx, uuid.New(), "x.txt", "text/plain", []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestProjectStore_EditsRejectedDuringRun(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)

	ok, err := f.locker.Acquire(ctx, p.ID, uuid.New())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.store.AddSourceFile(ctx, p.ID, "late.md", "text/markdown", []byte("# Late"))
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	p.Name = "Renamed"
	assert.ErrorIs(t, f.store.Save(ctx, p), apperrors.ErrRunInProgress)

	keys, err := f.blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys, "a refused upload leaves no file behind")

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deck", loaded.Name)
	assert.Empty(t, loaded.SourceFiles)
}

func TestProjectStore_SaveGeneratedKeepsSourcesAddedSinceSnapshot(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)
	first, err := f.store.AddSourceFile(ctx, p.ID, "a.md", "text/markdown", []byte("# A"))
	require.NoError(t, err)

	snapshot, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)

	second, err := f.store.AddSourceFile(ctx, p.ID, "b.md", "text/markdown", []byte("# B"))
	require.NoError(t, err)

	snapshot.KeyPoints = llm.DefaultKeyPoints(2)
	snapshot.Slides = numberedSlides(2)
	require.NoError(t, f.store.SaveGenerated(ctx, snapshot, []PendingImage{
		{SlideNumber: 1, Image: &llm.GeneratedImage{Data: []byte("img"), Format: "png"}},
	}))

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, loaded.SourceFiles, 2)
	assert.Equal(t, first.Path, loaded.SourceFiles[0].Path)
	assert.Equal(t, second.Path, loaded.SourceFiles[1].Path)
	assert.Len(t, loaded.Slides, 2)
	require.NotNil(t, loaded.SlideByNumber(1).Image)
	assert.Len(t, snapshot.SourceFiles, 2, "the caller sees the saved record")

	// A stale copy cannot drop sources either.
	stale := loaded.Clone()
	stale.SourceFiles = nil
	stale.Name = "Renamed"
	require.NoError(t, f.store.Save(ctx, stale))
	loaded, err = f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", loaded.Name)
	assert.Len(t, loaded.SourceFiles, 2)
}

func TestProjectStore_ConcurrentUploadsAllKept(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "Deck", models.AudienceAdults)
	require.NoError(t, err)

	const uploads = 8
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.store.AddSourceFile(ctx, p.ID, fmt.Sprintf("part-%d.txt", i), "text/plain", []byte("text"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := f.store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.SourceFiles, uploads)
}

func TestProjectStore_CleanupSparesImagesAwaitingSave(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	f.illustratedProject(t, "A", 1)

	// Written by another process that has not saved its project yet.
	pending := storage.ImageKey(uuid.New(), "png")
	require.NoError(t, f.blobs.Put(ctx, pending, []byte("pending"), "image/png"))

	deleted, err := f.store.CleanupImages(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	_, err = f.blobs.Get(ctx, pending)
	assert.NoError(t, err, "a recent image survives cleanup")

	later := time.Now().Add(DefaultImageCleanupGrace + time.Minute)
	f.store.(*projectStore).now = func() time.Time { return later }

	deleted, err = f.store.CleanupImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = f.blobs.Get(ctx, pending)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestProjectStore_CleanupWithoutGrace(t *testing.T) {
	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := NewProjectStore(repositories.NewMemoryProjectRepository(), blobs, NewMemoryRunLocker(), zap.NewNop(),
		WithImageCleanupGrace(0))
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, storage.ImageKey(uuid.New(), "png"), []byte("orphan"), "image/png"))

	deleted, err := store.CleanupImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
