package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-decks.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Persistence selects where project records live: "postgres" or "memory".
	Persistence string `yaml:"persistence" env:"PERSISTENCE" env-default:"postgres"`

	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	LLM        LLMConfig        `yaml:"llm"`
	Generation GenerationConfig `yaml:"generation"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`

	// MCPEnabled exposes the generation tools at /mcp.
	MCPEnabled bool `yaml:"mcp_enabled" env:"MCP_ENABLED" env-default:"true"`

	// CredentialsKey seals the API key file written by PUT /api/credentials.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// When empty, only the OPENAI_API_KEY environment variable is used.
	CredentialsKey  string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE" env-default:"data/credentials.enc"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_decks"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds the optional Redis connection used for cross-process run locks.
// An empty Host keeps run locks in process memory.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"REDIS_LOCK_TTL" env-default:"10m"`
}

// LLMConfig holds the OpenAI-compatible endpoint used for text and images.
type LLMConfig struct {
	Endpoint       string        `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.openai.com/v1"`
	APIKey         string        `yaml:"-" env:"OPENAI_API_KEY"` // Secret - not in YAML
	ChatModel      string        `yaml:"chat_model" env:"LLM_CHAT_MODEL" env-default:"gpt-4o"`
	ImageModel     string        `yaml:"image_model" env:"LLM_IMAGE_MODEL" env-default:"dall-e-3"`
	Temperature    float32       `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.7"`
	MaxTokens      int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"2000"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"LLM_REQUEST_TIMEOUT" env-default:"2m"`
	MaxImageBytes  int64         `yaml:"max_image_bytes" env:"LLM_MAX_IMAGE_BYTES" env-default:"20971520"`

	// Consecutive transient failures that open the circuit, and how long it stays open.
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" env:"LLM_CIRCUIT_BREAKER_THRESHOLD" env-default:"5"`
	CircuitBreakerReset     time.Duration `yaml:"circuit_breaker_reset" env:"LLM_CIRCUIT_BREAKER_RESET" env-default:"30s"`
}

// GenerationConfig tunes the pipeline stages.
type GenerationConfig struct {
	// MaxConcurrent caps in-flight calls inside the slide and image stages.
	MaxConcurrent int `yaml:"max_concurrent" env:"GENERATION_MAX_CONCURRENT" env-default:"4"`

	RetryMaxAttempts  int           `yaml:"retry_max_attempts" env:"GENERATION_RETRY_MAX_ATTEMPTS" env-default:"3"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"GENERATION_RETRY_INITIAL_DELAY" env-default:"2s"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"GENERATION_RETRY_MAX_DELAY" env-default:"1m"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown" env:"GENERATION_RATE_LIMIT_COOLDOWN" env-default:"60s"`

	// ProgressBuffer is the per-subscriber progress channel capacity.
	ProgressBuffer int `yaml:"progress_buffer" env:"GENERATION_PROGRESS_BUFFER" env-default:"64"`
}

// StorageConfig selects the image and source-file blob backend.
type StorageConfig struct {
	Backend string      `yaml:"backend" env:"STORAGE_BACKEND" env-default:"filesystem"` // filesystem | minio
	Root    string      `yaml:"root" env:"STORAGE_ROOT" env-default:"data/blobs"`
	Minio   MinioConfig `yaml:"minio"`

	// CleanupGrace keeps unreferenced images younger than this from being
	// deleted by image cleanup.
	CleanupGrace time.Duration `yaml:"cleanup_grace" env:"STORAGE_CLEANUP_GRACE" env-default:"15m"`
}

// MinioConfig holds S3-compatible object storage settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT" env-default:"localhost:9000"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY" env-default:""`
	SecretKey string `yaml:"-" env:"MINIO_SECRET_KEY"` // Secret - not in YAML
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET" env-default:"ekaya-decks"`
	UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL" env-default:"false"`
}

// LoggingConfig controls the root zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"` // console | json
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing config.yaml is not an error; defaults and environment variables apply.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit YAML path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	// Use HTTPS scheme if TLS is configured
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Persistence {
	case "postgres", "memory":
	default:
		return fmt.Errorf("persistence must be postgres or memory, got %q", c.Persistence)
	}

	switch c.Storage.Backend {
	case "filesystem":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the filesystem backend")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio endpoint and bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("storage.backend must be filesystem or minio, got %q", c.Storage.Backend)
	}

	if c.Generation.MaxConcurrent < 1 {
		return fmt.Errorf("generation.max_concurrent must be at least 1")
	}
	if c.Generation.RetryMaxAttempts < 1 {
		return fmt.Errorf("generation.retry_max_attempts must be at least 1")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Addr returns the host:port Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
