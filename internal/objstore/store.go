// Package objstore is the archival port for completed recordings.
// Backends: S3-compatible via minio-go, or disabled (no bucket
// configured) in which case recordings simply stay local.
package objstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrBackendDisabled = errors.New("objstore: backend disabled")
	ErrObjectNotFound  = errors.New("objstore: object not found")
	ErrNotConfigured   = errors.New("objstore: bucket not configured")
)

// DefaultSignedTTL applies to signed playback/download URLs when the
// caller passes no TTL.
const DefaultSignedTTL = 120 * time.Minute

// Store is the object-store contract. Put and Delete are idempotent.
type Store interface {
	Put(ctx context.Context, key, localPath string) error
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string, signed bool, ttl time.Duration) (string, error)
	Enabled() bool
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flv":  "video/x-flv",
}

// ContentType maps a file extension to its MIME type. Unknown
// extensions default to video/mp4.
func ContentType(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "video/mp4"
}

// PutTimeout scales the upload deadline with file size: 30 s per MB,
// clamped to [5 min, 15 min].
func PutTimeout(sizeBytes int64) time.Duration {
	mb := sizeBytes / (1 << 20)
	d := time.Duration(mb) * 30 * time.Second
	if d < 5*time.Minute {
		return 5 * time.Minute
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

// Disabled is the no-backend store. It is fully instantiable so the
// rest of the pipeline never special-cases a nil port.
type Disabled struct{}

func (Disabled) Put(context.Context, string, string) error      { return ErrBackendDisabled }
func (Disabled) Exists(context.Context, string) (bool, error)   { return false, nil }
func (Disabled) Size(context.Context, string) (int64, error)    { return 0, ErrObjectNotFound }
func (Disabled) Delete(context.Context, string) error           { return nil }
func (Disabled) Enabled() bool                                  { return false }
func (Disabled) URL(_ context.Context, _ string, _ bool, _ time.Duration) (string, error) {
	return "", ErrBackendDisabled
}
