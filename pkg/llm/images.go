package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
)

// fetchImage resolves an image response entry to bytes. URL responses are
// downloaded; inline base64 payloads are decoded directly.
func (c *Client) fetchImage(ctx context.Context, data openai.ImageResponseDataInner) (*GeneratedImage, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case data.URL != "":
		raw, err = c.download(ctx, data.URL)
	case data.B64JSON != "":
		raw, err = base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return nil, NewError(apperrors.KindFatal, "invalid base64 image payload", err)
		}
	default:
		return nil, NewError(apperrors.KindFatal, "image response has neither url nor data", nil)
	}
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, NewError(apperrors.KindFatal, "downloaded bytes are not a supported image", err)
	}

	return &GeneratedImage{
		Data:      raw,
		SourceURL: data.URL,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
	}, nil
}

// download fetches url with the client's HTTP client, capped at maxImage bytes.
func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewError(apperrors.KindFatal, "invalid image url", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := NewError(kindForStatus(resp.StatusCode), fmt.Sprintf("image download returned %s", resp.Status), nil)
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxImage+1))
	if err != nil {
		return nil, NewError(apperrors.KindTransient, "image download interrupted", err)
	}
	if int64(len(raw)) > c.maxImage {
		return nil, NewError(apperrors.KindFatal, fmt.Sprintf("image exceeds %d bytes", c.maxImage), nil)
	}
	return raw, nil
}
