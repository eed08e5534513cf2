// Package credentials supplies the API key for the generation service.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/crypto"
	"github.com/ekaya-inc/ekaya-decks/pkg/llm"
)

// sealLabel binds sealed key files to their purpose.
const sealLabel = "ekaya-decks/api-key"

// Provider returns the current API key; an empty key means none is configured.
type Provider interface {
	CurrentKey(ctx context.Context) (string, error)
}

// Store is a Provider whose key can be replaced at runtime.
type Store interface {
	Provider
	SetKey(ctx context.Context, key string) error
}

// StaticProvider returns a fixed key, typically from OPENAI_API_KEY.
type StaticProvider struct {
	key string
}

func NewStaticProvider(key string) *StaticProvider {
	return &StaticProvider{key: strings.TrimSpace(key)}
}

func (p *StaticProvider) CurrentKey(ctx context.Context) (string, error) {
	return p.key, nil
}

// FileProvider keeps the key sealed in a file. A missing file means no key.
type FileProvider struct {
	path   string
	sealer *crypto.Sealer
	logger *zap.Logger

	mu sync.RWMutex
}

// NewFileProvider creates a provider over path, sealing with sealingKey.
func NewFileProvider(path, sealingKey string, logger *zap.Logger) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("credentials file path is required")
	}
	sealer, err := crypto.NewSealer(sealingKey, sealLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential sealer: %w", err)
	}
	return &FileProvider{path: path, sealer: sealer, logger: logger.Named("credentials")}, nil
}

func (p *FileProvider) CurrentKey(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	key, err := p.sealer.Open(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to open credentials file %s: %w", p.path, err)
	}
	return key, nil
}

// SetKey seals key into the file, replacing it atomically. An empty key removes the file.
func (p *FileProvider) SetKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)

	p.mu.Lock()
	defer p.mu.Unlock()

	if key == "" {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove credentials file: %w", err)
		}
		p.logger.Info("API key removed")
		return nil
	}

	sealed, err := p.sealer.Seal(key)
	if err != nil {
		return fmt.Errorf("failed to seal api key: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	// CreateTemp opens the file with mode 0600.
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.WriteString(sealed + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}

	p.logger.Info("API key stored", zap.String("path", p.path))
	return nil
}

// ChainProvider returns the first non-empty key of its providers, so a key
// stored at runtime takes precedence over the environment.
type ChainProvider struct {
	providers []Provider
}

func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (c *ChainProvider) CurrentKey(ctx context.Context) (string, error) {
	for _, p := range c.providers {
		key, err := p.CurrentKey(ctx)
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}
	return "", nil
}

var (
	_ Provider             = (*StaticProvider)(nil)
	_ Store                = (*FileProvider)(nil)
	_ Provider             = (*ChainProvider)(nil)
	_ llm.CredentialSource = (*ChainProvider)(nil)
)
