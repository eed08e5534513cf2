package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
)

// PDFIngestor extracts the text layer of every page with MuPDF.
// Scanned PDFs without a text layer yield InsufficientContent.
type PDFIngestor struct {
	blobs BlobReader
}

// NewPDFIngestor creates a PDF ingestor.
func NewPDFIngestor(blobs BlobReader) *PDFIngestor {
	return &PDFIngestor{blobs: blobs}
}

func (p *PDFIngestor) ExtractText(ctx context.Context, file models.SourceFile) (string, error) {
	data, err := p.blobs.Get(ctx, file.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", file.Name, err)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open PDF %s: %v", apperrors.ErrInvalidInput, file.Name, err)
	}
	defer doc.Close()

	pages := make([]string, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("failed to extract page %d of %s: %w", i+1, file.Name, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return "", apperrors.WithKind(apperrors.KindInsufficientContent,
			fmt.Sprintf("%s has no extractable text", file.Name), nil)
	}
	return strings.Join(pages, "\n\n"), nil
}

var _ DocumentIngestor = (*PDFIngestor)(nil)
