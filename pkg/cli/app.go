package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/config"
	"github.com/ekaya-inc/ekaya-decks/pkg/credentials"
	"github.com/ekaya-inc/ekaya-decks/pkg/database"
	"github.com/ekaya-inc/ekaya-decks/pkg/ingest"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
	"github.com/ekaya-inc/ekaya-decks/pkg/repositories"
	"github.com/ekaya-inc/ekaya-decks/pkg/retry"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

// app is the wired service graph shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *database.DB  // nil with in-memory persistence
	redis *redis.Client // nil without Redis

	blobs        storage.BlobStore
	store        services.ProjectStore
	locker       services.RunLocker
	credentials  credentials.Provider
	keyStore     credentials.Store // nil without CREDENTIALS_KEY
	clients      *llm.ClientFactory
	orchestrator *services.GenerationOrchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repo, err := a.openRepository(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.blobs, err = openBlobStore(ctx, &cfg.Storage); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openCredentials(); err != nil {
		a.Close()
		return nil, err
	}

	a.store = services.NewProjectStore(repo, a.blobs, a.locker, logger,
		services.WithImageCleanupGrace(cfg.Storage.CleanupGrace))
	a.clients = llm.NewClientFactory(llmConfig(cfg), a.credentials, logger)

	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: cfg.Generation.MaxConcurrent}, logger)
	var lockRefresh time.Duration
	if a.redis != nil {
		lockRefresh = cfg.Redis.LockTTL / 3
	}
	a.orchestrator, err = services.NewGenerationOrchestrator(services.GenerationDeps{
		Store:               a.store,
		Clients:             a.clients,
		Ingestor:            ingest.NewDocumentIngestor(a.blobs, logger),
		Locker:              a.locker,
		Analysis:            services.NewContentAnalysisStage(logger),
		Slides:              services.NewSlideContentStage(pool, logger),
		Images:              services.NewImageStage(pool, logger),
		Logger:              logger,
		ProgressBuffer:      cfg.Generation.ProgressBuffer,
		LockRefreshInterval: lockRefresh,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return a, nil
}

func (a *app) openRepository(ctx context.Context) (repositories.ProjectRepository, error) {
	if a.cfg.Persistence == "memory" {
		a.logger.Warn("Using in-memory persistence; projects are lost on exit")
		return repositories.NewMemoryProjectRepository(), nil
	}

	db, err := database.Open(ctx, database.ConfigFrom(&a.cfg.Database), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	return repositories.NewProjectRepository(db), nil
}

func (a *app) openLocker(ctx context.Context) error {
	client, err := database.NewRedisClient(ctx, &a.cfg.Redis)
	if err != nil {
		return err
	}
	if client == nil {
		a.locker = services.NewMemoryRunLocker()
		return nil
	}
	a.redis = client
	a.locker = services.NewRedisRunLocker(client, a.cfg.Redis.LockTTL)
	a.logger.Info("Using Redis run locks", zap.String("addr", a.cfg.Redis.Addr()))
	return nil
}

func openBlobStore(ctx context.Context, cfg *config.StorageConfig) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "minio":
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open minio storage: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewFileStore(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open file storage: %w", err)
		}
		return store, nil
	}
}

// openCredentials prefers a key saved through the API over OPENAI_API_KEY.
func (a *app) openCredentials() error {
	static := credentials.NewStaticProvider(a.cfg.LLM.APIKey)
	if a.cfg.CredentialsKey == "" {
		a.credentials = static
		return nil
	}

	file, err := credentials.NewFileProvider(a.cfg.CredentialsFile, a.cfg.CredentialsKey, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open credentials file: %w", err)
	}
	a.keyStore = file
	a.credentials = credentials.NewChainProvider(file, static)
	return nil
}

func llmConfig(cfg *config.Config) llm.Config {
	chat := llm.DefaultChatParams()
	chat.Temperature = cfg.LLM.Temperature
	if cfg.LLM.MaxTokens > 0 {
		chat.MaxTokens = cfg.LLM.MaxTokens
	}

	image := llm.DefaultImageParams()
	if cfg.LLM.ImageModel != "" {
		image.Model = cfg.LLM.ImageModel
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Generation.RetryMaxAttempts
	retryCfg.InitialDelay = cfg.Generation.RetryInitialDelay
	retryCfg.MaxDelay = cfg.Generation.RetryMaxDelay
	retryCfg.RateLimitCooldown = cfg.Generation.RateLimitCooldown

	return llm.Config{
		Endpoint:  cfg.LLM.Endpoint,
		ChatModel: cfg.LLM.ChatModel,
		Chat:      chat,
		Image:     image,
		Retry:     retryCfg,
		CircuitBreaker: llm.CircuitBreakerConfig{
			Threshold:  cfg.LLM.CircuitBreakerThreshold,
			ResetAfter: cfg.LLM.CircuitBreakerReset,
		},
		HTTPClient:    &http.Client{Timeout: cfg.LLM.RequestTimeout},
		MaxImageBytes: cfg.LLM.MaxImageBytes,
	}
}

// Close releases the database and Redis connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
