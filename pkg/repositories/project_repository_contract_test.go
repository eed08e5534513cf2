package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// runProjectRepositoryContract exercises behaviour every ProjectRepository must share.
// newRepo must return a repository with no stored projects.
func runProjectRepositoryContract(t *testing.T, newRepo func(t *testing.T) ProjectRepository) {
	t.Run("create and get round trip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		p := sampleProject("Solar System")
		require.NoError(t, repo.Create(ctx, p))
		assert.False(t, p.CreatedAt.IsZero())

		got, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		normalizeTimes(got)

		assert.Equal(t, p.Name, got.Name)
		assert.Equal(t, p.Audience, got.Audience)
		assert.Equal(t, p.Settings, got.Settings)
		assert.Equal(t, p.SourceFiles, got.SourceFiles)
		assert.Equal(t, p.KeyPoints, got.KeyPoints)
		assert.Equal(t, p.Slides, got.Slides)
	})

	t.Run("get missing project", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.Get(context.Background(), uuid.New())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("save replaces children and refreshes updated_at", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		p := sampleProject("Oceans")
		require.NoError(t, repo.Create(ctx, p))
		before := p.UpdatedAt

		p.Name = "Deep Oceans"
		p.Slides = p.Slides[:1]
		p.KeyPoints = p.KeyPoints[:1]
		require.NoError(t, repo.Save(ctx, p))
		assert.True(t, p.UpdatedAt.After(before), "updated_at must move forward")

		got, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Deep Oceans", got.Name)
		assert.Len(t, got.Slides, 1)
		assert.Len(t, got.KeyPoints, 1)
		assert.True(t, got.UpdatedAt.Equal(p.UpdatedAt))

		// Saving twice in a row still advances the timestamp.
		second := p.UpdatedAt
		require.NoError(t, repo.Save(ctx, p))
		assert.True(t, p.UpdatedAt.After(second))
	})

	t.Run("save missing project", func(t *testing.T) {
		repo := newRepo(t)

		err := repo.Save(context.Background(), sampleProject("ghost"))
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("returned projects are not aliased", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		p := sampleProject("Volcanoes")
		require.NoError(t, repo.Create(ctx, p))

		got, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		got.Slides[0].Title = "mutated"
		got.Slides[0].Image.Prompt = "mutated"

		again, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Slides[0].Title, again.Slides[0].Title)
		assert.Equal(t, p.Slides[0].Image.Prompt, again.Slides[0].Image.Prompt)
	})

	t.Run("list and image ids", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := sampleProject("first")
		b := sampleProject("second")
		b.Slides[0].Image = nil
		require.NoError(t, repo.Create(ctx, a))
		require.NoError(t, repo.Create(ctx, b))

		projects, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, projects, 2)
		names := []string{projects[0].Name, projects[1].Name}
		assert.ElementsMatch(t, []string{"first", "second"}, names)
		for _, p := range projects {
			assert.Len(t, p.Slides, 2)
		}

		ids, err := repo.ImageIDs(ctx)
		require.NoError(t, err)
		expected := append(a.ImageIDs(), b.ImageIDs()...)
		assert.ElementsMatch(t, expected, ids)
		assert.Len(t, ids, 3)
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		p := sampleProject("Rivers")
		require.NoError(t, repo.Create(ctx, p))

		require.NoError(t, repo.Delete(ctx, p.ID))

		_, err := repo.Get(ctx, p.ID)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, p.ID), apperrors.ErrNotFound)

		ids, err := repo.ImageIDs(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func sampleProject(name string) *models.Project {
	high := models.ImportanceHigh
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	design := models.DesignFor(models.AudienceKids)

	slide := func(n int, withImage bool) models.Slide {
		s := models.Slide{
			ID:          uuid.New(),
			Number:      n,
			Title:       "Slide title",
			Content:     "- point one\n- point two",
			Notes:       "say hello",
			ImagePrompt: "a bright planet",
			Design:      design,
		}
		if withImage {
			id := uuid.New()
			s.Image = &models.ImageData{
				ID:            id,
				FileRef:       "images/" + id.String() + ".png",
				SourceURL:     "https://images.example.com/" + id.String(),
				Prompt:        "a bright planet",
				RevisedPrompt: "a bright cartoon planet",
				Width:         1024,
				Height:        1024,
				Format:        "png",
				CreatedAt:     created,
			}
		}
		return s
	}

	return &models.Project{
		ID:       uuid.New(),
		Name:     name,
		Audience: models.AudienceKids,
		Settings: models.DefaultProjectSettings(),
		SourceFiles: []models.SourceFile{
			{ID: uuid.New(), Name: "notes.txt", Path: "sources/x/notes.txt", MediaType: "text/plain", SizeBytes: 512},
		},
		KeyPoints: []models.KeyPoint{
			{Content: "Planets orbit the sun", Ordinal: 1, Importance: &high},
			{Content: "Some planets have rings", Ordinal: 2},
		},
		Slides: []models.Slide{slide(1, true), slide(2, true)},
	}
}

func normalizeTimes(p *models.Project) {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	for i := range p.Slides {
		if img := p.Slides[i].Image; img != nil {
			img.CreatedAt = img.CreatedAt.UTC()
		}
	}
}
