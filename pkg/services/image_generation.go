package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// PendingImage is a generated image not yet written to storage.
type PendingImage struct {
	SlideNumber int
	Image       *llm.GeneratedImage
}

// ImageInput describes one run of the image stage.
// Slides that already carry an image, or appear in Completed, are skipped.
type ImageInput struct {
	Slides    []models.Slide
	Audience  models.Audience
	Completed []PendingImage
}

// ImageStage renders one illustration per slide with bounded parallelism.
// It never touches storage; the orchestrator persists PendingImages on success.
type ImageStage struct {
	pool   *llm.WorkerPool
	logger *zap.Logger
}

// NewImageStage creates the image stage over a shared worker pool.
func NewImageStage(pool *llm.WorkerPool, logger *zap.Logger) *ImageStage {
	return &ImageStage{pool: pool, logger: logger.Named("image-generation")}
}

// imagePrompt falls back to the slide title when the model gave no prompt.
func imagePrompt(slide models.Slide) string {
	if p := strings.TrimSpace(slide.ImagePrompt); p != "" {
		return p
	}
	return strings.TrimSpace(slide.Title)
}

// Generate returns the pending images it has, ordered by slide number,
// including reused ones. On failure a *StageError accompanies the partial set.
func (s *ImageStage) Generate(ctx context.Context, client llm.GenerationClient, in ImageInput, onProgress ProgressFunc) ([]PendingImage, error) {
	total := len(in.Slides)
	if total == 0 {
		return nil, newStageError(models.PhaseGeneratingImages,
			apperrors.WithKind(apperrors.KindFatal, "no slides to illustrate", nil))
	}

	numbers := make(map[int]bool, total)
	for _, slide := range in.Slides {
		numbers[slide.Number] = true
	}

	pending := make([]PendingImage, 0, total)
	done := make(map[int]bool, total)
	for _, p := range in.Completed {
		if numbers[p.SlideNumber] && p.Image != nil && !done[p.SlideNumber] {
			done[p.SlideNumber] = true
			pending = append(pending, p)
		}
	}
	skipped := len(pending)
	for _, slide := range in.Slides {
		if slide.Image != nil && !done[slide.Number] {
			done[slide.Number] = true
			skipped++
		}
	}
	for i := 1; i <= skipped; i++ {
		report(onProgress, i, total)
	}

	var items []llm.WorkItem[*llm.GeneratedImage]
	for _, slide := range in.Slides {
		if done[slide.Number] {
			continue
		}
		prompt := imagePrompt(slide)
		number := slide.Number
		items = append(items, llm.WorkItem[*llm.GeneratedImage]{
			ID:      fmt.Sprintf("image-%d", number),
			Ordinal: number,
			Execute: func(ctx context.Context) (*llm.GeneratedImage, error) {
				return client.GenerateImage(llm.WithOrdinal(ctx, number), prompt, in.Audience)
			},
		})
	}

	s.logger.Info("Generating images",
		zap.Int("total", total),
		zap.Int("skipped", skipped),
		zap.Int("to_generate", len(items)))

	results := runStageItems(ctx, s.pool, items, func(completed, _ int) {
		report(onProgress, skipped+completed, total)
	})
	for _, r := range results {
		if r.Dispatched && r.Err == nil {
			pending = append(pending, PendingImage{SlideNumber: r.Ordinal, Image: r.Result})
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SlideNumber < pending[j].SlideNumber
	})

	if stageErr := stageFailure(ctx, models.PhaseGeneratingImages, results); stageErr != nil {
		s.logger.Warn("Image generation failed",
			zap.String("kind", stageErr.Kind.String()),
			zap.Int("completed", len(pending)),
			zap.Int("total", total),
			zap.Error(stageErr.Err))
		return pending, stageErr
	}
	return pending, nil
}
