// SPDX-License-Identifier: MIT

// Package archive keeps a second copy of every uploaded recording in an
// S3-compatible bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
)

// Config configures the MinIO archive.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Logger    *zerolog.Logger
}

// objectStore is the subset of *minio.Client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO archives recordings with minio-go.
type MinIO struct {
	client objectStore
	bucket string
	region string
	logger zerolog.Logger

	mu          sync.Mutex
	bucketReady bool
}

func NewMinIO(cfg Config) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("archive: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: init minio client: %w", err)
	}
	return newMinIO(client, cfg), nil
}

func newMinIO(client objectStore, cfg Config) *MinIO {
	logger := log.WithComponent("archive")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str(log.FieldComponent, "archive").Logger()
	}
	return &MinIO{client: client, bucket: cfg.Bucket, region: cfg.Region, logger: logger}
}

func (a *MinIO) Name() string { return "minio" }

// ObjectKey is the archive location of a recording.
func ObjectKey(v model.VideoUpload) string {
	return fmt.Sprintf("presentations/%d/%s-%s.webm", v.PresentationID, Slug(v.PartName), v.VideoID)
}

func (a *MinIO) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bucketReady {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
		a.logger.Info().
			Str(log.FieldEvent, "archive.bucket_created").
			Str("bucket", a.bucket).
			Msg("archive bucket created")
	}
	a.bucketReady = true
	return nil
}

// Archive uploads the repaired recording file.
func (a *MinIO) Archive(ctx context.Context, v model.VideoUpload) error {
	if err := a.ensureBucket(ctx); err != nil {
		return err
	}
	key := ObjectKey(v)
	info, err := a.client.FPutObject(ctx, a.bucket, key, v.Path, minio.PutObjectOptions{
		ContentType: "video/webm",
		UserMetadata: map[string]string{
			"video-id":              v.VideoID,
			"presentation-id":       strconv.FormatInt(v.PresentationID, 10),
			"presentation-start-id": v.PresentationStartID,
			"part-order":            strconv.Itoa(v.PartOrder),
			"start-date":            v.StartDate.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	l := log.WithContext(ctx, a.logger)
	l.Debug().
		Str(log.FieldEvent, "archive.stored").
		Str("bucket", a.bucket).
		Str("key", key).
		Int64(log.FieldBytes, info.Size).
		Msg("recording archived")
	return nil
}
