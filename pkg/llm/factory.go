package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// CredentialSource supplies the API key for the generation service.
// This interface breaks the import cycle between llm and credentials packages.
type CredentialSource interface {
	CurrentKey(ctx context.Context) (string, error)
}

// GenerationClientFactory is the interface for creating generation clients.
// Use this interface for dependency injection and testing.
type GenerationClientFactory interface {
	CreateForProject(ctx context.Context, project *models.Project) (GenerationClient, error)
	CreateDefault(ctx context.Context) (GenerationClient, error)
}

// ClientFactory creates generation clients from a base configuration,
// the stored credential and each project's settings.
type ClientFactory struct {
	base        Config
	credentials CredentialSource
	breaker     *CircuitBreaker
	logger      *zap.Logger
}

// NewClientFactory creates a new factory. All clients it creates share one
// circuit breaker, so an outage observed by one run protects the others.
func NewClientFactory(base Config, credentials CredentialSource, logger *zap.Logger) *ClientFactory {
	breakerCfg := base.CircuitBreaker
	if breakerCfg.Threshold == 0 {
		breakerCfg = DefaultCircuitBreakerConfig()
	}
	return &ClientFactory{
		base:        base,
		credentials: credentials,
		breaker:     NewCircuitBreaker(breakerCfg),
		logger:      logger,
	}
}

// CreateForProject creates a client with the project's image and notes settings applied.
func (f *ClientFactory) CreateForProject(ctx context.Context, project *models.Project) (GenerationClient, error) {
	if project == nil {
		return nil, fmt.Errorf("project is required")
	}
	cfg := f.base
	settings := project.Settings
	if cfg.Image == (ImageParams{}) {
		cfg.Image = DefaultImageParams()
	}
	if settings.ImageSize != "" {
		cfg.Image.Size = settings.ImageSize
	}
	if settings.ImageQuality != "" {
		cfg.Image.Quality = settings.ImageQuality
	}
	if settings.ImageStyle != "" {
		cfg.Image.Style = settings.ImageStyle
	}
	cfg.IncludeSpeakerNotes = settings.IncludeSpeakerNotes
	return f.create(ctx, cfg)
}

// CreateDefault creates a client with the base configuration only.
func (f *ClientFactory) CreateDefault(ctx context.Context) (GenerationClient, error) {
	return f.create(ctx, f.base)
}

func (f *ClientFactory) create(ctx context.Context, cfg Config) (GenerationClient, error) {
	key, err := f.credentials.CurrentKey(ctx)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuth {
			return nil, err
		}
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if key == "" {
		return nil, NewError(apperrors.KindAuth, "no api key configured", nil)
	}
	cfg.APIKey = key
	cfg.Breaker = f.breaker

	client, err := NewClient(&cfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return client, nil
}

// Ensure ClientFactory implements GenerationClientFactory at compile time.
var _ GenerationClientFactory = (*ClientFactory)(nil)
