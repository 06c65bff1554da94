package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures the artifact backend.
type Config struct {
	Backend   Backend  `yaml:"backend"`
	Dir       string   `yaml:"dir"`
	S3        S3Config `yaml:"s3"`
	GCSBucket string   `yaml:"gcs_bucket"`
	GCSPrefix string   `yaml:"gcs_prefix"`
}

// ConfigFromEnv reads:
//
//   - ESTA_ARTIFACT_BACKEND: "fs" (default), "s3" or "gcs"
//   - ESTA_DATA_DIR: base directory for the fs backend (default "data")
//   - ESTA_ARTIFACT_S3_BUCKET, ESTA_ARTIFACT_S3_REGION (falls back to
//     AWS_REGION, then us-east-1), ESTA_ARTIFACT_S3_ENDPOINT, ESTA_ARTIFACT_S3_PREFIX
//   - ESTA_ARTIFACT_GCS_BUCKET, ESTA_ARTIFACT_GCS_PREFIX
func ConfigFromEnv() Config {
	cfg := Config{
		Backend: Backend(os.Getenv("ESTA_ARTIFACT_BACKEND")),
		S3: S3Config{
			Bucket:   os.Getenv("ESTA_ARTIFACT_S3_BUCKET"),
			Region:   os.Getenv("ESTA_ARTIFACT_S3_REGION"),
			Endpoint: os.Getenv("ESTA_ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ESTA_ARTIFACT_S3_PREFIX"),
		},
		GCSBucket: os.Getenv("ESTA_ARTIFACT_GCS_BUCKET"),
		GCSPrefix: os.Getenv("ESTA_ARTIFACT_GCS_PREFIX"),
	}
	if dir := os.Getenv("ESTA_DATA_DIR"); dir != "" {
		cfg.Dir = filepath.Join(dir, "artifacts")
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = os.Getenv("AWS_REGION")
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendFS
	}
	if c.Dir == "" {
		c.Dir = filepath.Join("data", "artifacts")
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	return c
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendFS:
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("artifacts: s3 bucket is required")
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	}
	return nil, fmt.Errorf("artifacts: unsupported backend %q", cfg.Backend)
}
