package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// MockGenerationClient is a configurable mock for testing the generation pipeline.
// Set the function fields to control behavior in tests. It is safe for
// concurrent use; call counters are guarded by a mutex.
type MockGenerationClient struct {
	// AnalyzeFunc is called when Analyze is invoked.
	// If nil, returns three placeholder key points.
	AnalyzeFunc func(ctx context.Context, text string, audience models.Audience) (*AnalysisResult, error)

	// GenerateSlideContentFunc is called when GenerateSlideContent is invoked.
	// If nil, returns a title derived from the slide number.
	GenerateSlideContentFunc func(ctx context.Context, keyPoint models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*SlideContent, error)

	// GenerateImageFunc is called when GenerateImage is invoked.
	// If nil, returns a small fixed payload.
	GenerateImageFunc func(ctx context.Context, prompt string, audience models.Audience) (*GeneratedImage, error)

	// ValidateCredentialFunc is called when ValidateCredential is invoked.
	// If nil, returns true.
	ValidateCredentialFunc func(ctx context.Context) (bool, error)

	mu    sync.Mutex
	calls map[string]int
	// SlideCalls records the slide numbers passed to GenerateSlideContent.
	SlideCalls []int
	// ImagePrompts records the prompts passed to GenerateImage.
	ImagePrompts []string
}

// NewMockGenerationClient creates a new mock with default behavior.
func NewMockGenerationClient() *MockGenerationClient {
	return &MockGenerationClient{calls: make(map[string]int)}
}

// DefaultKeyPoints builds n placeholder key points with contiguous ordinals.
func DefaultKeyPoints(n int) []models.KeyPoint {
	points := make([]models.KeyPoint, n)
	for i := range points {
		points[i] = models.KeyPoint{Content: fmt.Sprintf("Key point %d", i+1), Ordinal: i + 1}
	}
	return points
}

func (m *MockGenerationClient) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

// Calls returns how many times the named method was invoked.
func (m *MockGenerationClient) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// Analyze implements GenerationClient.
func (m *MockGenerationClient) Analyze(ctx context.Context, text string, audience models.Audience) (*AnalysisResult, error) {
	m.record("Analyze")
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, text, audience)
	}
	return &AnalysisResult{KeyPoints: DefaultKeyPoints(3), SuggestedSlideCount: 3}, nil
}

// GenerateSlideContent implements GenerationClient.
func (m *MockGenerationClient) GenerateSlideContent(ctx context.Context, keyPoint models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*SlideContent, error) {
	m.record("GenerateSlideContent")
	m.mu.Lock()
	m.SlideCalls = append(m.SlideCalls, slideNumber)
	m.mu.Unlock()

	if m.GenerateSlideContentFunc != nil {
		return m.GenerateSlideContentFunc(ctx, keyPoint, audience, slideNumber, totalSlides)
	}
	return &SlideContent{
		Title:       fmt.Sprintf("Slide %d", slideNumber),
		Body:        "- " + keyPoint.Content,
		ImagePrompt: fmt.Sprintf("Illustration for slide %d", slideNumber),
	}, nil
}

// GenerateImage implements GenerationClient.
func (m *MockGenerationClient) GenerateImage(ctx context.Context, prompt string, audience models.Audience) (*GeneratedImage, error) {
	m.record("GenerateImage")
	m.mu.Lock()
	m.ImagePrompts = append(m.ImagePrompts, prompt)
	m.mu.Unlock()

	if m.GenerateImageFunc != nil {
		return m.GenerateImageFunc(ctx, prompt, audience)
	}
	return &GeneratedImage{
		Data:   []byte("mock-image:" + prompt),
		Prompt: prompt,
		Width:  1024,
		Height: 1024,
		Format: "png",
	}, nil
}

// ValidateCredential implements GenerationClient.
func (m *MockGenerationClient) ValidateCredential(ctx context.Context) (bool, error) {
	m.record("ValidateCredential")
	if m.ValidateCredentialFunc != nil {
		return m.ValidateCredentialFunc(ctx)
	}
	return true, nil
}

// Ensure MockGenerationClient implements GenerationClient at compile time.
var _ GenerationClient = (*MockGenerationClient)(nil)
