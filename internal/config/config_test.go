package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/cctv")
	t.Setenv("CCTV_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "ffmpeg", cfg.FFmpegBin)
	assert.Equal(t, 8, cfg.MaxConcurrentRecordings)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, 120*time.Minute, cfg.Storage.SignedURLTTL)
	assert.False(t, cfg.CloudEnabled())
	assert.NoError(t, cfg.ValidateServer())
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cctv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
max_concurrent_uploads: 5
storage:
  backend: CLOUD_A
  bucket: archive
`), 0o644))

	t.Setenv("DATABASE_URL", "postgres://localhost/cctv")
	t.Setenv("CCTV_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.MaxConcurrentUploads)
	assert.Equal(t, BackendCloudA, cfg.Storage.Backend)
	assert.True(t, cfg.CloudEnabled())
}

func TestValidateServer(t *testing.T) {
	cfg := &Config{MediaRoot: "media"}
	assert.ErrorIs(t, cfg.ValidateServer(), ErrMissingDatabaseURL)

	cfg = &Config{DatabaseURL: "postgres://x"}
	assert.ErrorIs(t, cfg.ValidateServer(), ErrMissingMediaRoot)

	cfg = &Config{DatabaseURL: "postgres://x", MediaRoot: "media"}
	assert.NoError(t, cfg.ValidateServer())
}

func TestValidateAgent(t *testing.T) {
	cfg := &Config{AgentToken: "t", RecordingBase: "base"}
	assert.ErrorIs(t, cfg.ValidateAgent(), ErrMissingAgentServer)

	cfg = &Config{AgentServerURL: "http://server", RecordingBase: "base"}
	assert.ErrorIs(t, cfg.ValidateAgent(), ErrMissingAgentToken)

	cfg = &Config{AgentServerURL: "http://server", AgentToken: "t", RecordingBase: "base"}
	assert.NoError(t, cfg.ValidateAgent())
}

func TestCloudEnabledNeedsBucket(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Backend: BackendCloudB}}
	assert.False(t, cfg.CloudEnabled())

	cfg.Storage.Bucket = "archive"
	assert.True(t, cfg.CloudEnabled())

	cfg.Storage.Backend = BackendLocal
	assert.False(t, cfg.CloudEnabled())
}
