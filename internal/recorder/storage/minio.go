package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger recorderlog.Logger
	config MinIOConfig

	metrics MinIOMetrics
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	ConnectTimeout time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads atomic.Uint64
	UploadBytes  atomic.Uint64
	UploadErrors atomic.Uint64
}

// NewMinIOStore connects to the endpoint and creates the bucket if missing.
func NewMinIOStore(ctx context.Context, config MinIOConfig, logger recorderlog.Logger) (*MinIOStore, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client: minioClient,
		bucket: config.Bucket,
		logger: logger.Named("minio-store"),
		config: config,
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", recorderlog.String("bucket", config.Bucket))
	}

	return store, nil
}

// PutFile uploads a local file in a single attempt. Retries are the
// caller's concern.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string) error {
	info, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: detectContentType(filePath),
	})
	if err != nil {
		s.metrics.UploadErrors.Add(1)
		return &StorageError{
			Op:         "put_file",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  getMinioStatusCode(err) >= 500,
		}
	}

	s.metrics.TotalUploads.Add(1)
	s.metrics.UploadBytes.Add(uint64(info.Size))
	s.logger.Debug("Object uploaded",
		recorderlog.String("key", key),
		recorderlog.Int64("size", info.Size),
		recorderlog.String("etag", info.ETag))
	return nil
}

// GetMetrics returns storage metrics
func (s *MinIOStore) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads": s.metrics.TotalUploads.Load(),
		"upload_bytes":  s.metrics.UploadBytes.Load(),
		"upload_errors": s.metrics.UploadErrors.Load(),
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchBucket", "NoSuchKey":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
