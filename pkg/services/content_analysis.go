package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

const (
	// MinContentChars is the shortest document (trimmed, in characters) worth analyzing.
	MinContentChars = 100
	// MaxContentChars is the longest document accepted for a single analysis call.
	MaxContentChars = 50_000

	MinSlides = 3
	MaxSlides = 50
)

// AnalysisOutput is the normalized result of content analysis.
// KeyPoints carry contiguous ordinals 1..n; n is the deck's slide count.
type AnalysisOutput struct {
	KeyPoints           []models.KeyPoint
	SuggestedSlideCount int
}

// ContentAnalysisStage extracts key points from the document text.
type ContentAnalysisStage struct {
	logger *zap.Logger
}

// NewContentAnalysisStage creates the analysis stage.
func NewContentAnalysisStage(logger *zap.Logger) *ContentAnalysisStage {
	return &ContentAnalysisStage{logger: logger.Named("content-analysis")}
}

// ValidateContentLength rejects text that is too short or too long, before any
// network call is made.
func ValidateContentLength(text string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case n < MinContentChars:
		return apperrors.WithKind(apperrors.KindInsufficientContent,
			fmt.Sprintf("content has %d characters, at least %d required", n, MinContentChars), nil)
	case n > MaxContentChars:
		return apperrors.WithKind(apperrors.KindContentTooLarge,
			fmt.Sprintf("content has %d characters, at most %d allowed", n, MaxContentChars), nil)
	}
	return nil
}

// Analyze validates the text, asks the client for key points and normalizes them.
func (s *ContentAnalysisStage) Analyze(ctx context.Context, client llm.GenerationClient, text string, audience models.Audience) (*AnalysisOutput, error) {
	if err := ValidateContentLength(text); err != nil {
		return nil, newStageError(models.PhaseAnalyzingContent, err)
	}

	result, err := client.Analyze(ctx, strings.TrimSpace(text), audience)
	if err != nil {
		return nil, newStageError(models.PhaseAnalyzingContent, err)
	}

	points := normalizeKeyPoints(result.KeyPoints)
	if len(points) == 0 {
		return nil, newStageError(models.PhaseAnalyzingContent,
			apperrors.WithKind(apperrors.KindFatal, "analysis returned no key points", nil))
	}
	suggested := clampSlides(result.SuggestedSlideCount, len(points))

	s.logger.Info("Content analyzed",
		zap.Int("key_points", len(points)),
		zap.Int("returned", len(result.KeyPoints)),
		zap.Int("suggested_slides", suggested))

	return &AnalysisOutput{KeyPoints: points, SuggestedSlideCount: suggested}, nil
}

// normalizeKeyPoints orders by the model's ordinal, drops empty entries,
// keeps at most MaxSlides and renumbers 1..n.
func normalizeKeyPoints(in []models.KeyPoint) []models.KeyPoint {
	points := make([]models.KeyPoint, 0, len(in))
	for _, kp := range in {
		kp.Content = strings.TrimSpace(kp.Content)
		if kp.Content == "" {
			continue
		}
		points = append(points, kp)
	}
	models.SortKeyPoints(points)
	if len(points) > MaxSlides {
		points = points[:MaxSlides]
	}
	for i := range points {
		points[i].Ordinal = i + 1
	}
	return points
}

// clampSlides bounds the suggested count; a missing suggestion falls back to
// the number of key points.
func clampSlides(suggested, keyPoints int) int {
	if suggested <= 0 {
		suggested = keyPoints
	}
	if suggested < MinSlides {
		return MinSlides
	}
	if suggested > MaxSlides {
		return MaxSlides
	}
	return suggested
}
