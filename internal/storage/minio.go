package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignedUpload is everything a client needs to PUT one evidence file.
type PresignedUpload struct {
	URL       string
	Headers   map[string]string
	Path      string
	ExpiresAt time.Time
}

// Capability is the narrow storage surface the evidence endpoints use. The
// service never streams file bytes itself; clients talk to object storage
// directly with short-lived URLs.
type Capability interface {
	PresignUpload(ctx context.Context, objectPath, mimeType string) (PresignedUpload, error)
	PresignDownload(ctx context.Context, objectPath, filename string) (string, time.Time, error)
}

type MinioStorage struct {
	client *minio.Client
	bucket string
}

func NewMinioStorage(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStorage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &MinioStorage{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the evidence bucket if it does not exist yet.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *MinioStorage) PresignUpload(ctx context.Context, objectPath, mimeType string) (PresignedUpload, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectPath, UploadExpiry)
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("presign upload: %w", err)
	}
	return PresignedUpload{
		URL:       u.String(),
		Headers:   map[string]string{"Content-Type": mimeType},
		Path:      objectPath,
		ExpiresAt: time.Now().UTC().Add(UploadExpiry),
	}, nil
}

func (s *MinioStorage) PresignDownload(ctx context.Context, objectPath, filename string) (string, time.Time, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", SanitizeFilename(filename)))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, DownloadExpiry, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign download: %w", err)
	}
	return u.String(), time.Now().UTC().Add(DownloadExpiry), nil
}
