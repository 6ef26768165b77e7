package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"medbook/config"
)

type S3Storage struct {
	client *minio.Client
	cfg    config.S3Config
	logger *zap.Logger
}

func NewS3Storage(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("receipt bucket created", zap.String("bucket", cfg.Bucket))
	}

	return &S3Storage{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (s *S3Storage) SaveReceipt(ctx context.Context, appointmentID int64, attemptID uuid.UUID, body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("empty receipt body")
	}

	objectName := receiptKey(appointmentID, attemptID)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, objectName, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"appointment-id": fmt.Sprintf("%d", appointmentID),
			"attempt-id":     attemptID.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload receipt to S3: %w", err)
	}

	return objectName, nil
}

func (s *S3Storage) GetPresignedURL(ctx context.Context, appointmentID int64, attemptID uuid.UUID, expiry time.Duration) (string, error) {
	objectName := receiptKey(appointmentID, attemptID)

	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, objectName, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrReceiptNotFound
		}
		return "", fmt.Errorf("failed to stat receipt: %w", err)
	}

	presignedURL, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign receipt url: %w", err)
	}

	return presignedURL.String(), nil
}
