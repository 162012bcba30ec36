package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects where completed recordings are archived.
type StorageBackend string

const (
	BackendLocal  StorageBackend = "LOCAL"
	BackendCloudA StorageBackend = "CLOUD_A"
	BackendCloudB StorageBackend = "CLOUD_B"
	BackendBoth   StorageBackend = "BOTH"
)

// StorageConfig holds the object-store settings. When Backend is LOCAL
// the port is constructed disabled and recordings stay on disk.
type StorageConfig struct {
	Backend   StorageBackend `yaml:"backend"`
	Bucket    string         `yaml:"bucket"`
	Endpoint  string         `yaml:"endpoint"`
	AccessKey string         `yaml:"access_key"`
	SecretKey string         `yaml:"secret_key"`
	Region    string         `yaml:"region"`
	UseSSL    bool           `yaml:"use_ssl"`
	// SignedURLTTL applies to signed playback/download URLs.
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
}

// Config is the full runtime configuration for the central server and
// the recording agent. Values come from the environment with optional
// YAML overrides (CCTV_CONFIG_FILE).
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	NATSURL     string `yaml:"nats_url"`

	MediaRoot     string `yaml:"media_root"`
	RecordingBase string `yaml:"recording_base"`
	FFmpegBin     string `yaml:"ffmpeg_bin"`

	Storage StorageConfig `yaml:"storage"`

	CleanupAfterUpload bool `yaml:"cleanup_after_upload"`
	KeepLocalDays      int  `yaml:"keep_local_days"`

	SyncInterval      time.Duration `yaml:"sync_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	MaxConcurrentUploads    int `yaml:"max_concurrent_uploads"`
	MaxConcurrentRecordings int `yaml:"max_concurrent_recordings"`

	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`

	// ViewerGraceSeconds delays stream teardown after the viewer count
	// reaches zero. Zero keeps the immediate-stop behaviour.
	ViewerGraceSeconds int `yaml:"viewer_grace_seconds"`

	JWTSigningKey string `yaml:"jwt_signing_key"`
	// CredentialKey enables at-rest encryption of camera passwords.
	// Empty stores them plaintext.
	CredentialKey string `yaml:"credential_key"`
	LogLevel      string `yaml:"log_level"`

	// Agent-only settings.
	AgentServerURL string `yaml:"agent_server_url"`
	AgentToken     string `yaml:"agent_token"`
}

var (
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
	ErrMissingMediaRoot   = errors.New("config: MEDIA_ROOT is required")
	ErrMissingAgentServer = errors.New("config: AGENT_SERVER_URL is required")
	ErrMissingAgentToken  = errors.New("config: AGENT_TOKEN is required")
)

func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:                getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               getenv("REDIS_ADDR", "localhost:6379"),
		NATSURL:                 os.Getenv("NATS_URL"),
		MediaRoot:               getenv("MEDIA_ROOT", "media"),
		RecordingBase:           getenv("RECORDING_BASE", "recording_base"),
		FFmpegBin:               getenv("FFMPEG_BIN", "ffmpeg"),
		CleanupAfterUpload:      getenvBool("CLEANUP_AFTER_UPLOAD", true),
		KeepLocalDays:           getenvInt("KEEP_LOCAL_DAYS", 1),
		SyncInterval:            getenvDuration("SYNC_INTERVAL", 30*time.Second),
		HeartbeatInterval:       getenvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		MaxConcurrentUploads:    getenvInt("MAX_CONCURRENT_UPLOADS", 2),
		MaxConcurrentRecordings: getenvInt("MAX_CONCURRENT_RECORDINGS", 8),
		MaxWidth:                getenvInt("MAX_WIDTH", 1920),
		MaxHeight:               getenvInt("MAX_HEIGHT", 1080),
		ViewerGraceSeconds:      getenvInt("VIEWER_GRACE_SECONDS", 0),
		JWTSigningKey:           os.Getenv("JWT_SIGNING_KEY"),
		CredentialKey:           os.Getenv("CREDENTIAL_KEY"),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		AgentServerURL:          os.Getenv("AGENT_SERVER_URL"),
		AgentToken:              os.Getenv("AGENT_TOKEN"),
		Storage: StorageConfig{
			Backend:      StorageBackend(getenv("STORAGE_BACKEND", string(BackendLocal))),
			Bucket:       os.Getenv("STORAGE_BUCKET"),
			Endpoint:     getenv("STORAGE_ENDPOINT", "s3.amazonaws.com"),
			AccessKey:    os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey:    os.Getenv("STORAGE_SECRET_KEY"),
			Region:       getenv("STORAGE_REGION", "us-east-1"),
			UseSSL:       getenvBool("STORAGE_USE_SSL", true),
			SignedURLTTL: getenvDuration("STORAGE_SIGNED_URL_TTL", 120*time.Minute),
		},
	}

	if path := os.Getenv("CCTV_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// ValidateServer checks the settings the central service cannot run
// without. Object-store misconfiguration is not fatal here: the port
// degrades to disabled and recordings stay local.
func (c *Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.MediaRoot == "" {
		return ErrMissingMediaRoot
	}
	return nil
}

// ValidateAgent is stricter: the agent exits non-zero on any missing
// required value.
func (c *Config) ValidateAgent() error {
	if c.AgentServerURL == "" {
		return ErrMissingAgentServer
	}
	if c.AgentToken == "" {
		return ErrMissingAgentToken
	}
	if c.RecordingBase == "" {
		return errors.New("config: RECORDING_BASE is required")
	}
	return nil
}

// CloudEnabled reports whether an object-store backend is configured.
func (c *Config) CloudEnabled() bool {
	switch c.Storage.Backend {
	case BackendCloudA, BackendCloudB, BackendBoth:
		return c.Storage.Bucket != ""
	default:
		return false
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
