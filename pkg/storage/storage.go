// Package storage holds binary assets (generated images, uploaded source
// documents) behind a key/value blob interface.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlobStore stores opaque byte blobs under slash-separated keys.
// Get and Delete return an error wrapping apperrors.ErrNotFound for missing keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	// List returns every key under prefix, recursively.
	List(ctx context.Context, prefix string) ([]string, error)
	// ListInfo is List with each blob's last modification time.
	ListInfo(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key     string
	ModTime time.Time
}

func keysOf(infos []BlobInfo) []string {
	keys := make([]string, len(infos))
	for i, info := range infos {
		keys[i] = info.Key
	}
	return keys
}

const (
	imagesPrefix  = "images/"
	sourcesPrefix = "sources/"
)

// ImagesPrefix is the key prefix of all generated images.
func ImagesPrefix() string { return imagesPrefix }

// ImageKey returns the key for an image id and format, e.g. "images/<id>.png".
func ImageKey(id uuid.UUID, format string) string {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	switch format {
	case "":
		format = "png"
	case "jpeg":
		format = "jpg"
	}
	return fmt.Sprintf("%s%s.%s", imagesPrefix, id, format)
}

// ImageIDFromKey parses the image id out of an image key.
func ImageIDFromKey(key string) (uuid.UUID, bool) {
	if !strings.HasPrefix(key, imagesPrefix) {
		return uuid.Nil, false
	}
	base := path.Base(key)
	base = strings.TrimSuffix(base, path.Ext(base))
	id, err := uuid.Parse(base)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// SourceKey returns the key for an uploaded source document.
func SourceKey(id uuid.UUID, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	return fmt.Sprintf("%s%s/%s", sourcesPrefix, id, name)
}

// ContentTypeFor maps an image format to its MIME type.
func ContentTypeFor(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
