package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/prompts"
	"github.com/ekaya-inc/ekaya-decks/pkg/retry"
)

// ChatParams are the sampling parameters sent with every chat completion.
type ChatParams struct {
	Temperature      float32
	MaxTokens        int
	TopP             float32
	PresencePenalty  float32
	FrequencyPenalty float32
}

// DefaultChatParams returns temperature 0.7, 2000 max tokens, top_p 1.0 and no penalties.
func DefaultChatParams() ChatParams {
	return ChatParams{
		Temperature: 0.7,
		MaxTokens:   2000,
		TopP:        1.0,
	}
}

// ImageParams configure the image generation request.
type ImageParams struct {
	Model   string
	Size    string
	Quality string
	Style   string
}

// DefaultImageParams returns a dall-e-3 square standard image.
func DefaultImageParams() ImageParams {
	return ImageParams{
		Model:   openai.CreateImageModelDallE3,
		Size:    openai.CreateImageSize1024x1024,
		Quality: openai.CreateImageQualityStandard,
		Style:   openai.CreateImageStyleVivid,
	}
}

// Config holds configuration for creating a generation client.
type Config struct {
	Endpoint            string // Base URL, e.g., "https://api.openai.com/v1"
	APIKey              string
	ChatModel           string // e.g., "gpt-4o"
	Chat                ChatParams
	Image               ImageParams
	IncludeSpeakerNotes bool
	Retry               *retry.Config
	CircuitBreaker      CircuitBreakerConfig
	Breaker             *CircuitBreaker // Shared breaker; nil builds one from CircuitBreaker
	HTTPClient          *http.Client    // Used for API calls and image downloads
	MaxImageBytes       int64
}

// Client provides deck generation on top of an OpenAI-compatible endpoint.
type Client struct {
	client    *openai.Client
	http      *http.Client
	endpoint  string
	chatModel string
	chat      ChatParams
	image     ImageParams
	withNotes bool
	retry     *retry.Config
	breaker   *CircuitBreaker
	maxImage  int64
	logger    *zap.Logger
}

// NewClient creates a new generation client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.ChatModel == "" {
		return nil, fmt.Errorf("chat model is required")
	}
	if cfg.APIKey == "" {
		return nil, NewError(apperrors.KindAuth, "api key is required", nil)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	httpClient = withRequestIDs(httpClient)

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	clientConfig.HTTPClient = httpClient

	chat := cfg.Chat
	if chat == (ChatParams{}) {
		chat = DefaultChatParams()
	}
	image := cfg.Image
	if image == (ImageParams{}) {
		image = DefaultImageParams()
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breakerCfg := cfg.CircuitBreaker
		if breakerCfg.Threshold == 0 {
			breakerCfg = DefaultCircuitBreakerConfig()
		}
		breaker = NewCircuitBreaker(breakerCfg)
	}
	maxImage := cfg.MaxImageBytes
	if maxImage == 0 {
		maxImage = 20 << 20
	}

	return &Client{
		client:    openai.NewClientWithConfig(clientConfig),
		http:      httpClient,
		endpoint:  cfg.Endpoint,
		chatModel: cfg.ChatModel,
		chat:      chat,
		image:     image,
		withNotes: cfg.IncludeSpeakerNotes,
		retry:     retryCfg,
		breaker:   breaker,
		maxImage:  maxImage,
		logger:    logger.Named("llm"),
	}, nil
}

// analysisResponse is the JSON shape requested by prompts.BuildAnalysisPrompt.
type analysisResponse struct {
	SuggestedSlideCount int `json:"suggested_slide_count"`
	KeyPoints           []struct {
		Ordinal    int    `json:"ordinal"`
		Content    string `json:"content"`
		Importance string `json:"importance"`
	} `json:"key_points"`
}

// Analyze extracts ordered key points from document text.
func (c *Client) Analyze(ctx context.Context, text string, audience models.Audience) (*AnalysisResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewError(apperrors.KindInsufficientContent, "document text is empty", nil)
	}

	content, err := c.complete(ctx, "analyze", prompts.AnalysisSystemMessage,
		prompts.BuildAnalysisPrompt(text, string(audience)))
	if err != nil {
		return nil, err
	}

	parsed, err := ParseJSONResponse[analysisResponse](content)
	if err != nil {
		return nil, NewError(apperrors.KindFatal, "unparseable analysis response", err)
	}

	result := &AnalysisResult{SuggestedSlideCount: parsed.SuggestedSlideCount}
	for i, kp := range parsed.KeyPoints {
		if strings.TrimSpace(kp.Content) == "" {
			continue
		}
		ordinal := kp.Ordinal
		if ordinal <= 0 {
			ordinal = i + 1
		}
		result.KeyPoints = append(result.KeyPoints, models.KeyPoint{
			Content:    strings.TrimSpace(kp.Content),
			Ordinal:    ordinal,
			Importance: models.ParseImportance(strings.ToLower(kp.Importance)),
		})
	}

	return result, nil
}

// GenerateSlideContent writes the title, body and image prompt for one key point.
func (c *Client) GenerateSlideContent(ctx context.Context, keyPoint models.KeyPoint, audience models.Audience, slideNumber, totalSlides int) (*SlideContent, error) {
	if strings.TrimSpace(keyPoint.Content) == "" {
		return nil, NewError(apperrors.KindFatal, "key point text is empty", nil)
	}
	if totalSlides < 1 || slideNumber < 1 || slideNumber > totalSlides {
		return nil, NewError(apperrors.KindFatal,
			fmt.Sprintf("slide number %d outside [1, %d]", slideNumber, totalSlides), nil)
	}

	content, err := c.complete(ctx, "slide", prompts.SlideSystemMessage,
		prompts.BuildSlidePrompt(keyPoint.Content, string(audience), slideNumber, totalSlides, c.withNotes))
	if err != nil {
		return nil, err
	}

	slide, err := ParseJSONResponse[SlideContent](content)
	if err != nil {
		return nil, NewError(apperrors.KindFatal, "unparseable slide response", err)
	}
	if strings.TrimSpace(slide.Title) == "" {
		return nil, NewError(apperrors.KindFatal, "slide response has no title", nil)
	}

	return &slide, nil
}

// GenerateImage renders a prompt and downloads the resulting image.
func (c *Client) GenerateImage(ctx context.Context, prompt string, audience models.Audience) (*GeneratedImage, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, NewError(apperrors.KindFatal, "image prompt is empty", nil)
	}
	fullPrompt := prompts.BuildImagePrompt(prompt, string(audience))

	return retry.DoWithResult(ctx, c.retry, func() (*GeneratedImage, error) {
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
			Model:          c.image.Model,
			Prompt:         fullPrompt,
			N:              1,
			Size:           c.image.Size,
			Quality:        c.image.Quality,
			Style:          c.image.Style,
			ResponseFormat: openai.CreateImageResponseFormatURL,
		})
		if err != nil {
			return nil, c.fail("image", c.image.Model, start, err)
		}
		if len(resp.Data) == 0 {
			c.breaker.RecordSuccess()
			return nil, NewError(apperrors.KindFatal, "image response contained no data", nil)
		}

		img, err := c.fetchImage(ctx, resp.Data[0])
		if err != nil {
			return nil, c.fail("image download", c.image.Model, start, err)
		}
		c.breaker.RecordSuccess()

		img.Prompt = fullPrompt
		img.RevisedPrompt = resp.Data[0].RevisedPrompt

		c.logger.Info("Image generated", withRequestID(ctx,
			zap.String("model", c.image.Model),
			zap.Int("bytes", len(img.Data)),
			zap.String("format", img.Format),
			zap.Duration("elapsed", time.Since(start)))...)

		return img, nil
	})
}

// ValidateCredential lists models to check the key. An Auth failure yields
// (false, nil); any other failure is returned as an error.
func (c *Client) ValidateCredential(ctx context.Context) (bool, error) {
	err := retry.Do(ctx, c.retry, func() error {
		_, err := c.client.ListModels(ctx)
		if err != nil {
			return c.classify(err, c.chatModel)
		}
		return nil
	})
	if err == nil {
		return true, nil
	}
	if apperrors.KindOf(err) == apperrors.KindAuth {
		return false, nil
	}
	return false, err
}

// complete runs one chat completion with retry and circuit breaking.
func (c *Client) complete(ctx context.Context, op, systemMessage, prompt string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	return retry.DoWithResult(ctx, c.retry, func() (string, error) {
		if err := c.breaker.Allow(); err != nil {
			return "", err
		}

		c.logger.Debug("LLM request",
			zap.String("op", op),
			zap.String("model", c.chatModel),
			zap.Int("prompt_len", utf8.RuneCountInString(prompt)))

		start := time.Now()
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:            c.chatModel,
			Messages:         messages,
			Temperature:      c.chat.Temperature,
			MaxTokens:        c.chat.MaxTokens,
			TopP:             c.chat.TopP,
			PresencePenalty:  c.chat.PresencePenalty,
			FrequencyPenalty: c.chat.FrequencyPenalty,
		})
		if err != nil {
			return "", c.fail(op, c.chatModel, start, err)
		}
		c.breaker.RecordSuccess()

		if len(resp.Choices) == 0 {
			return "", NewError(apperrors.KindFatal, "no choices in response", nil)
		}
		choice := resp.Choices[0]
		if choice.FinishReason == openai.FinishReasonContentFilter {
			c.logger.Warn("Completion stopped by content filter", withRequestID(ctx,
				zap.String("op", op),
				zap.String("prompt", logging.SanitizePrompt(prompt)))...)
			return "", NewError(apperrors.KindContentFiltered, "completion stopped by content filter", nil)
		}

		c.logger.Info("LLM request completed", withRequestID(ctx,
			zap.String("op", op),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Duration("elapsed", time.Since(start)))...)

		return choice.Message.Content, nil
	})
}

// fail classifies err, feeds the circuit breaker and logs.
func (c *Client) fail(op, model string, start time.Time, err error) error {
	classified := c.classify(err, model)
	c.breaker.RecordFailure(classified)
	c.logger.Warn("LLM request failed",
		zap.String("op", op),
		zap.String("kind", string(classified.Kind)),
		zap.Int("status", classified.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("error", logging.SanitizeError(err)))
	return classified
}

func withRequestID(ctx context.Context, fields ...zap.Field) []zap.Field {
	if rc, ok := RunContextFrom(ctx); ok {
		fields = append(fields, zap.String("request_id", rc.RequestID()))
	}
	return fields
}

func (c *Client) classify(err error, model string) *Error {
	classified := ClassifyError(err)
	if classified.Model == "" {
		classified.Model = model
	}
	if classified.Endpoint == "" {
		classified.Endpoint = c.endpoint
	}
	return classified
}

// ChatModel returns the configured chat model name.
func (c *Client) ChatModel() string {
	return c.chatModel
}

// Endpoint returns the configured endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}
