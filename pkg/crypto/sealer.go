// Package crypto seals secrets (the generation service API key) for storage at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned when the sealing key is empty.
	ErrInvalidKey = errors.New("invalid sealing key: must not be empty")
	// ErrOpenFailed is returned when a sealed value cannot be opened with this key and label.
	ErrOpenFailed = errors.New("failed to open sealed value: wrong key, wrong label or corrupt data")
)

// envelopePrefix versions the sealed format: "v1:" + base64(nonce || ciphertext || tag).
const envelopePrefix = "v1:"

// Sealer encrypts values with AES-256-GCM. Every value is bound to a label
// (additional authenticated data), so a value sealed for one purpose cannot be
// opened as another.
type Sealer struct {
	gcm   cipher.AEAD
	label []byte
}

// NewSealer creates a sealer from a key string and a label.
// A base64 string that decodes to exactly 32 bytes is used as the key directly
// (e.g. from: openssl rand -base64 32); anything else is a passphrase hashed with SHA-256.
func NewSealer(keyInput, label string) (*Sealer, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key := deriveKey(keyInput)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{gcm: gcm, label: []byte(label)}, nil
}

func deriveKey(keyInput string) []byte {
	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		return decoded
	}
	hash := sha256.Sum256([]byte(keyInput))
	return hash[:]
}

// Seal encrypts plaintext. An empty plaintext seals to an empty string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), s.label)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same key and label.
func (s *Sealer) Open(sealed string) (string, error) {
	sealed = strings.TrimSpace(sealed)
	if sealed == "" {
		return "", nil
	}

	encoded, ok := strings.CutPrefix(sealed, envelopePrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown envelope version", ErrOpenFailed)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrOpenFailed)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize+s.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrOpenFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, s.label)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}
