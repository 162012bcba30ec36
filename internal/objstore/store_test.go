package objstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestContentType(t *testing.T) {
	require.Equal(t, "video/mp4", ContentType("clip.mp4"))
	require.Equal(t, "video/x-msvideo", ContentType("/media/cam/Clip_20250101.AVI"))
	require.Equal(t, "video/x-matroska", ContentType("a.mkv"))
	require.Equal(t, "video/mp4", ContentType("noext"))
	require.Equal(t, "video/mp4", ContentType("weird.bin"))
}

func TestPutTimeoutClamps(t *testing.T) {
	require.Equal(t, 5*time.Minute, PutTimeout(0))
	require.Equal(t, 5*time.Minute, PutTimeout(5<<20))
	require.Equal(t, 10*time.Minute, PutTimeout(20<<20))
	require.Equal(t, 15*time.Minute, PutTimeout(1<<30))
}

func TestIsNoSuchKey(t *testing.T) {
	absent := minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}

	require.True(t, isNoSuchKey(absent))
	require.True(t, isNoSuchKey(fmt.Errorf("stat wrapped: %w", absent)))
	require.False(t, isNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}))
	require.False(t, isNoSuchKey(errors.New("connection refused")))
}

func TestDisabledStore(t *testing.T) {
	var s Store = Disabled{}
	ctx := context.Background()

	require.False(t, s.Enabled())
	require.ErrorIs(t, s.Put(ctx, "k", "/tmp/x"), ErrBackendDisabled)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Size(ctx, "k")
	require.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, s.Delete(ctx, "k"))

	_, err = s.URL(ctx, "k", true, time.Minute)
	require.ErrorIs(t, err, ErrBackendDisabled)
}
