// Package llm maps deck generation onto an OpenAI-compatible chat and image API.
package llm

import (
	"context"

	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// GenerationClient defines the remote operations the generation pipeline needs.
// Every call is wrapped by the retry policy; failures carry an apperrors.Kind.
// Use this interface for dependency injection to enable mocking in tests.
type GenerationClient interface {
	// Analyze extracts ordered key points from document text.
	Analyze(ctx context.Context, text string, audience models.Audience) (*AnalysisResult, error)

	// GenerateSlideContent writes the title, body and image prompt for one key point.
	GenerateSlideContent(ctx context.Context, keyPoint models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*SlideContent, error)

	// GenerateImage renders a prompt and returns the downloaded image bytes.
	GenerateImage(ctx context.Context, prompt string, audience models.Audience) (*GeneratedImage, error)

	// ValidateCredential reports whether the configured key is accepted.
	ValidateCredential(ctx context.Context) (bool, error)
}

// AnalysisResult is the parsed output of Analyze.
type AnalysisResult struct {
	KeyPoints           []models.KeyPoint
	SuggestedSlideCount int
}

// SlideContent is the parsed output of GenerateSlideContent.
type SlideContent struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ImagePrompt string `json:"image_prompt"`
	Notes       string `json:"notes,omitempty"`
}

// GeneratedImage holds downloaded image bytes plus what the service reported.
type GeneratedImage struct {
	Data          []byte
	SourceURL     string
	Prompt        string
	RevisedPrompt string
	Width         int
	Height        int
	Format        string
}

// Ensure Client implements GenerationClient at compile time.
var _ GenerationClient = (*Client)(nil)
