package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/utils"
)

// BucketService stores task artifacts. Keys derive from (job_id, task_id),
// so repeated writes for the same task are idempotent overwrites.
type BucketService interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	URI(key string) string
	Close() error
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	serviceLog := log.With("service", "BucketService")

	bucketName := strings.TrimSpace(utils.GetEnv("ARTIFACT_GCS_BUCKET_NAME", "", log))
	if bucketName == "" {
		return nil, fmt.Errorf("missing env var ARTIFACT_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	var opts []option.ClientOption
	if creds := strings.TrimSpace(utils.GetEnv("GOOGLE_APPLICATION_CREDENTIALS", "", nil)); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &bucketService{
		log:    serviceLog,
		client: client,
		bucket: bucketName,
	}, nil
}

func (bs *bucketService) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	w := bs.client.Bucket(bs.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", key, err)
	}
	return bs.URI(key), nil
}

func (bs *bucketService) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := bs.client.Bucket(bs.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return r, nil
}

func (bs *bucketService) Delete(ctx context.Context, key string) error {
	return bs.client.Bucket(bs.bucket).Object(key).Delete(ctx)
}

func (bs *bucketService) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", bs.bucket, key)
}

func (bs *bucketService) Close() error {
	return bs.client.Close()
}
