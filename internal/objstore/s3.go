package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/config"
)

// S3Store talks to any S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	useSSL bool
	log    zerolog.Logger
}

// NewS3 builds the store from config. A missing bucket is a
// configuration error; network reachability is not checked here.
func NewS3(cfg config.StorageConfig, log zerolog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: client: %w", err)
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		useSSL: cfg.UseSSL,
		log:    log.With().Str("component", "objstore").Logger(),
	}, nil
}

func (s *S3Store) Enabled() bool { return true }

// isNoSuchKey classifies the S3 error for an absent object. The code
// is a plain string on minio's ErrorResponse.
func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.Code == "NoSuchKey"
}

func (s *S3Store) Put(ctx context.Context, key, localPath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("object uploaded")
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("objstore: stat %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) Size(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("objstore: stat %s: %w", key, err)
	}
	return info.Size, nil
}

// Delete is idempotent: removing an absent object succeeds.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("objstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) URL(ctx context.Context, key string, signed bool, ttl time.Duration) (string, error) {
	if !signed {
		scheme := "http"
		if s.useSSL {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key), nil
	}
	if ttl <= 0 {
		ttl = DefaultSignedTTL
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("objstore: sign %s: %w", key, err)
	}
	return u.String(), nil
}
