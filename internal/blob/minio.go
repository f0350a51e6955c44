package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements Store against MinIO/S3 compatible storage.
type MinioStore struct {
	client    *minio.Client
	originals string
	thumbs    string
}

// Config holds the connection settings for MinIO.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	OriginalsBucket string
	ThumbsBucket    string
}

// NewMinioStore connects to MinIO and ensures both buckets exist.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, bucket := range []string{cfg.OriginalsBucket, cfg.ThumbsBucket} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}

	return &MinioStore{
		client:    client,
		originals: cfg.OriginalsBucket,
		thumbs:    cfg.ThumbsBucket,
	}, nil
}

// PutOriginal uploads an image original.
func (m *MinioStore) PutOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.originals, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put original: %w", err)
	}
	return nil
}

// PutThumb uploads a thumbnail.
func (m *MinioStore) PutThumb(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, m.thumbs, key, r, size, minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return fmt.Errorf("put thumb: %w", err)
	}
	return nil
}

// GetOriginal streams an image original.
func (m *MinioStore) GetOriginal(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.originals, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get original: %w", err)
	}
	return obj, nil
}

// StatOriginal returns the stored size of an original.
func (m *MinioStore) StatOriginal(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.originals, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("stat original: %w", err)
	}
	return info.Size, nil
}

// PresignOriginal generates a pre-signed GET URL for an original.
func (m *MinioStore) PresignOriginal(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.originals, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign original: %w", err)
	}
	return url.String(), nil
}

// DeleteOriginal removes an original.
func (m *MinioStore) DeleteOriginal(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.originals, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete original: %w", err)
	}
	return nil
}

// DeleteThumb removes a thumbnail.
func (m *MinioStore) DeleteThumb(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.thumbs, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete thumb: %w", err)
	}
	return nil
}

// DeleteLibraryPrefix removes every original and thumbnail stored under a
// library's key prefix.
func (m *MinioStore) DeleteLibraryPrefix(ctx context.Context, libraryID string) error {
	prefix := libraryID + "/"
	for _, bucket := range []string{m.originals, m.thumbs} {
		objects := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		})
		for result := range m.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
			if result.Err != nil {
				return fmt.Errorf("delete prefix %s in %s: %w", prefix, bucket, result.Err)
			}
		}
	}
	return nil
}
