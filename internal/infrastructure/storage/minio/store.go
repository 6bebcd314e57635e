// Package minio implements the multipart object-storage surface on MinIO
// (or any S3-compatible provider).
package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

const listPartsPageSize = 1000

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

type Store struct {
	core   *minio.Core
	client *minio.Client
}

// New connects to the provider and ensures the default bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	store := &Store{core: core, client: core.Client}

	exists, err := store.client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := store.client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return store, nil
}

func (s *Store) Initiate(ctx context.Context, bucket, key, mimeType string) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload: %w", err)
	}
	return uploadID, nil
}

func (s *Store) PresignPartURL(ctx context.Context, bucket, key, uploadID string, partNumber int, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNumber))
	params.Set("uploadId", uploadID)

	signed, err := s.client.Presign(ctx, "PUT", bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign part url: %w", err)
	}
	return signed.String(), nil
}

func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string) ([]domain.UploadPart, error) {
	var parts []domain.UploadPart
	marker := 0
	for {
		result, err := s.core.ListObjectParts(ctx, bucket, key, uploadID, marker, listPartsPageSize)
		if err != nil {
			return nil, fmt.Errorf("list object parts: %w", err)
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, domain.UploadPart{
				PartNumber: p.PartNumber,
				ETag:       p.ETag,
				Size:       p.Size,
			})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

func (s *Store) Complete(ctx context.Context, bucket, key, uploadID string, parts []domain.UploadPart) (string, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}
	info, err := s.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}
	return info.ETag, nil
}

func (s *Store) Abort(ctx context.Context, bucket, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func (s *Store) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

func (s *Store) SaveObject(ctx context.Context, bucket, key string, data io.Reader, size int64, mimeType string) error {
	if _, err := s.client.PutObject(ctx, bucket, key, data, size, minio.PutObjectOptions{
		ContentType: mimeType,
	}); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// RemovePrefix deletes every object under prefix, best-effort per object.
func (s *Store) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var firstErr error
	for obj := range objects {
		if obj.Err != nil {
			if firstErr == nil {
				firstErr = obj.Err
			}
			continue
		}
		if err := s.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("remove prefix %s: %w", prefix, firstErr)
	}
	return nil
}
