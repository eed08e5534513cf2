package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// ProgressFunc receives (completed, total) after every finished sub-operation.
// completed strictly increases within one stage invocation.
type ProgressFunc func(completed, total int)

// SlideContentInput describes one run of the slide stage.
// Completed holds slides kept from an earlier attempt; their key points are not sent again.
type SlideContentInput struct {
	KeyPoints []models.KeyPoint
	Audience  models.Audience
	Completed []models.Slide
}

// SlideContentStage writes one slide per key point with bounded parallelism.
type SlideContentStage struct {
	pool   *llm.WorkerPool
	logger *zap.Logger
}

// NewSlideContentStage creates the slide stage over a shared worker pool.
func NewSlideContentStage(pool *llm.WorkerPool, logger *zap.Logger) *SlideContentStage {
	return &SlideContentStage{pool: pool, logger: logger.Named("slide-content")}
}

// Generate returns every slide it has, ordered by number. On failure the
// successful slides (reused ones included) are returned together with a
// *StageError; no new key point is dispatched after the first failure.
func (s *SlideContentStage) Generate(ctx context.Context, client llm.GenerationClient, in SlideContentInput, onProgress ProgressFunc) ([]models.Slide, error) {
	total := len(in.KeyPoints)
	if total == 0 {
		return nil, newStageError(models.PhaseGeneratingSlides,
			apperrors.WithKind(apperrors.KindFatal, "no key points to write slides for", nil))
	}
	if err := models.ValidateOrdinals(in.KeyPoints); err != nil {
		return nil, newStageError(models.PhaseGeneratingSlides,
			apperrors.WithKind(apperrors.KindFatal, "invalid key points", err))
	}

	wanted := make(map[int]bool, total)
	for _, kp := range in.KeyPoints {
		wanted[kp.Ordinal] = true
	}

	slides := make([]models.Slide, 0, total)
	done := make(map[int]bool, len(in.Completed))
	for _, slide := range in.Completed {
		if wanted[slide.Number] && !done[slide.Number] {
			done[slide.Number] = true
			slides = append(slides, slide.Clone())
		}
	}
	reused := len(slides)
	for i := 1; i <= reused; i++ {
		report(onProgress, i, total)
	}

	design := models.DesignFor(in.Audience)
	var items []llm.WorkItem[models.Slide]
	for _, kp := range in.KeyPoints {
		if done[kp.Ordinal] {
			continue
		}
		items = append(items, llm.WorkItem[models.Slide]{
			ID:      fmt.Sprintf("slide-%d", kp.Ordinal),
			Ordinal: kp.Ordinal,
			Execute: func(ctx context.Context) (models.Slide, error) {
				content, err := client.GenerateSlideContent(llm.WithOrdinal(ctx, kp.Ordinal), kp, in.Audience, kp.Ordinal, total)
				if err != nil {
					return models.Slide{}, err
				}
				return models.Slide{
					ID:          uuid.New(),
					Number:      kp.Ordinal,
					Title:       content.Title,
					Content:     content.Body,
					Notes:       content.Notes,
					ImagePrompt: content.ImagePrompt,
					Design:      design,
				}, nil
			},
		})
	}

	s.logger.Info("Generating slides",
		zap.Int("total", total),
		zap.Int("reused", reused),
		zap.Int("to_generate", len(items)))

	results := runStageItems(ctx, s.pool, items, func(completed, _ int) {
		report(onProgress, reused+completed, total)
	})
	for _, r := range results {
		if r.Dispatched && r.Err == nil {
			slides = append(slides, r.Result)
		}
	}
	models.SortSlides(slides)

	if stageErr := stageFailure(ctx, models.PhaseGeneratingSlides, results); stageErr != nil {
		s.logger.Warn("Slide generation failed",
			zap.String("kind", stageErr.Kind.String()),
			zap.Int("completed", len(slides)),
			zap.Int("total", total),
			zap.Error(stageErr.Err))
		return slides, stageErr
	}
	return slides, nil
}

func report(onProgress ProgressFunc, completed, total int) {
	if onProgress != nil {
		onProgress(completed, total)
	}
}

// runStageItems runs items on the pool and stops dispatching new items after
// the first failure. In-flight items still finish.
func runStageItems[T any](ctx context.Context, pool *llm.WorkerPool, items []llm.WorkItem[T], onProgress func(completed, total int)) []llm.WorkResult[T] {
	stageCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	wrapped := make([]llm.WorkItem[T], len(items))
	for i, item := range items {
		execute := item.Execute
		wrapped[i] = llm.WorkItem[T]{
			ID:      item.ID,
			Ordinal: item.Ordinal,
			Execute: func(ctx context.Context) (T, error) {
				result, err := execute(ctx)
				if err != nil {
					stopDispatch()
				}
				return result, err
			},
		}
	}
	return llm.Process(stageCtx, pool, wrapped, onProgress)
}

// stageFailure picks the error that ends a stage. Cancellation of the parent
// context wins; otherwise the failure with the lowest ordinal is reported.
func stageFailure[T any](parent context.Context, stage models.WorkflowPhase, results []llm.WorkResult[T]) *StageError {
	if err := parent.Err(); err != nil {
		for _, r := range results {
			if !r.Dispatched || r.Err != nil {
				return &StageError{Stage: stage, Kind: apperrors.KindCancelled, Err: err}
			}
		}
	}

	var first *llm.WorkResult[T]
	for i := range results {
		r := &results[i]
		if !r.Dispatched || r.Err == nil {
			continue
		}
		if first == nil || r.Ordinal < first.Ordinal {
			first = r
		}
	}
	if first == nil {
		return nil
	}
	return newStageError(stage, first.Err)
}
