// Package ingest extracts plain text from uploaded source documents.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// DocumentIngestor turns a stored source file into text for analysis.
type DocumentIngestor interface {
	ExtractText(ctx context.Context, file models.SourceFile) (string, error)
}

// BlobReader is the slice of storage.BlobStore ingestion needs.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// TextIngestor reads UTF-8 text and Markdown files as-is.
type TextIngestor struct {
	blobs BlobReader
}

// NewTextIngestor creates a plain text ingestor.
func NewTextIngestor(blobs BlobReader) *TextIngestor {
	return &TextIngestor{blobs: blobs}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (t *TextIngestor) ExtractText(ctx context.Context, file models.SourceFile) (string, error) {
	data, err := t.blobs.Get(ctx, file.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", file.Name, err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8 text", apperrors.ErrInvalidInput, file.Name)
	}
	return strings.TrimSpace(string(data)), nil
}

// MultiIngestor dispatches on the file extension.
type MultiIngestor struct {
	byExt  map[string]DocumentIngestor
	logger *zap.Logger
}

// NewDocumentIngestor registers the text and PDF ingestors over blobs.
func NewDocumentIngestor(blobs BlobReader, logger *zap.Logger) *MultiIngestor {
	text := NewTextIngestor(blobs)
	pdf := NewPDFIngestor(blobs)
	m := &MultiIngestor{
		byExt:  make(map[string]DocumentIngestor),
		logger: logger.Named("ingest"),
	}
	for _, ext := range []string{".txt", ".text", ".md", ".markdown"} {
		m.Register(ext, text)
	}
	m.Register(".pdf", pdf)
	return m
}

// Register binds an extension (with leading dot) to an ingestor.
func (m *MultiIngestor) Register(ext string, ingestor DocumentIngestor) {
	m.byExt[strings.ToLower(ext)] = ingestor
}

// Supports reports whether a file name has a registered extension.
func (m *MultiIngestor) Supports(name string) bool {
	_, ok := m.byExt[strings.ToLower(path.Ext(name))]
	return ok
}

func (m *MultiIngestor) ExtractText(ctx context.Context, file models.SourceFile) (string, error) {
	ext := strings.ToLower(path.Ext(file.Name))
	ingestor, ok := m.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: unsupported source type %q", apperrors.ErrInvalidInput, ext)
	}

	text, err := ingestor.ExtractText(ctx, file)
	if err != nil {
		return "", err
	}

	m.logger.Debug("Extracted source text",
		zap.String("file", file.Name),
		zap.Int("chars", utf8.RuneCountInString(text)))
	return text, nil
}

// ExtractAll concatenates the text of every file in order, separated by blank lines.
func ExtractAll(ctx context.Context, ingestor DocumentIngestor, files []models.SourceFile) (string, error) {
	parts := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := ingestor.ExtractText(ctx, f)
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

var (
	_ DocumentIngestor = (*TextIngestor)(nil)
	_ DocumentIngestor = (*MultiIngestor)(nil)
)
