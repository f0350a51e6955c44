// Package blob provides object storage for image originals and thumbnails.
package blob

import (
	"context"
	"io"
	"time"
)

// Store is the object storage interface the scanner and media handlers use.
// Originals and thumbnails live in separate buckets; keys are
// "<libraryID>/<relPath>" so a whole library can be dropped by prefix.
type Store interface {
	PutOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PutThumb(ctx context.Context, key string, r io.Reader, size int64) error

	GetOriginal(ctx context.Context, key string) (io.ReadCloser, error)
	StatOriginal(ctx context.Context, key string) (int64, error)
	PresignOriginal(ctx context.Context, key string, expiry time.Duration) (string, error)

	DeleteOriginal(ctx context.Context, key string) error
	DeleteThumb(ctx context.Context, key string) error
	DeleteLibraryPrefix(ctx context.Context, libraryID string) error
}

// OriginalKey builds the object key for an image original.
func OriginalKey(libraryID, relPath string) string {
	return libraryID + "/" + relPath
}

// ThumbKey builds the object key for an image thumbnail. Thumbnails are
// always JPEG regardless of the source format.
func ThumbKey(libraryID, relPath string) string {
	return libraryID + "/" + relPath + ".jpg"
}
