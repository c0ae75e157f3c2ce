package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"receiptflow/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStorage is the ingestion interface over the object store. A file
// handle is the object name; the receipt owning it is the only reference.
type BlobStorage struct {
	client *minio.Client
	bucket string
	config *config.MinioConfig
}

func NewBlobStorage(cfg *config.MinioConfig) (*BlobStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &BlobStorage{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *BlobStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Upload stores the document bytes under fileHandle.
func (s *BlobStorage) Upload(ctx context.Context, fileHandle string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, fileHandle, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	return nil
}

// SignedURL issues a time-limited download URL for the handle. URLs are
// generated per request and never cached: the extraction agent runs outside
// request authorization and a stale URL must not outlive its window.
func (s *BlobStorage) SignedURL(ctx context.Context, fileHandle string) (string, error) {
	expiry := time.Duration(s.config.ExpireMinutes) * time.Minute
	url, err := s.client.PresignedGetObject(ctx, s.bucket, fileHandle, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url.String(), nil
}

// Remove deletes the blob behind the handle.
func (s *BlobStorage) Remove(ctx context.Context, fileHandle string) error {
	err := s.client.RemoveObject(ctx, s.bucket, fileHandle, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// FileHandle builds the object name for an upload. Scoping by owner keeps
// per-user blobs listable for reconciliation sweeps; uploadID makes the
// handle unique even when the same file name is uploaded twice.
func FileHandle(ownerID, uploadID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, uploadID, fileName)
}
