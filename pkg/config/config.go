package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/artifacts"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/observability"
)

// Config holds host configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "text" | "json"
	DataDir     string `yaml:"data_dir"`
	ManifestDir string `yaml:"manifest_dir"`
	PolicyFile  string `yaml:"policy_file"`
	// Admission enables the default admission policies when no policy
	// file is given.
	Admission bool `yaml:"admission"`
	JWTSecret string `yaml:"-"`

	Kernel    KernelConfig          `yaml:"kernel"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Audit     AuditConfig           `yaml:"audit"`
	Snapshot  SnapshotConfig        `yaml:"snapshot"`
	Artifacts artifacts.Config      `yaml:"artifacts"`
	Telemetry *observability.Config `yaml:"telemetry"`
}

type KernelConfig struct {
	MessageCostMs int64 `yaml:"message_cost_ms"`
	QuantumMs     int64 `yaml:"quantum_ms"`
	MaxSliceMs    int64 `yaml:"max_slice_ms"`
	GrantTTLMs    int64 `yaml:"grant_ttl_ms"`
}

// RateLimitConfig bounds messages per tenant. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type AuditConfig struct {
	Capacity int    `yaml:"capacity"`
	Dialect  string `yaml:"dialect"` // "sqlite" | "postgres"
	DSN      string `yaml:"dsn"`
	LogFile  string `yaml:"log_file"` // JSON lines
}

type SnapshotConfig struct {
	Backend  string `yaml:"backend"` // "fs" | "redis"
	Dir      string `yaml:"dir"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := getenv("ESTA_DATA_DIR", "data")
	kdef := kernel.DefaultConfig()

	cfg := &Config{
		LogLevel:    getenv("ESTA_LOG_LEVEL", "INFO"),
		LogFormat:   getenv("ESTA_LOG_FORMAT", "text"),
		DataDir:     dataDir,
		ManifestDir: os.Getenv("ESTA_MANIFEST_DIR"),
		PolicyFile:  os.Getenv("ESTA_POLICY_FILE"),
		Admission:   os.Getenv("ESTA_ADMISSION") != "false",
		JWTSecret:   os.Getenv("ESTA_JWT_SECRET"),
		Kernel: KernelConfig{
			MessageCostMs: getInt("ESTA_MESSAGE_COST_MS", kdef.MessageCostMs),
			QuantumMs:     getInt("ESTA_QUANTUM_MS", kdef.Scheduler.QuantumMs),
			MaxSliceMs:    getInt("ESTA_MAX_SLICE_MS", kdef.Scheduler.MaxSliceMs),
			GrantTTLMs:    getInt("ESTA_GRANT_TTL_MS", 0),
		},
		RateLimit: RateLimitConfig{
			PerSecond: getFloat("ESTA_RATE_LIMIT", 0),
			Burst:     int(getInt("ESTA_RATE_BURST", 10)),
		},
		Audit: AuditConfig{
			Capacity: int(getInt("ESTA_AUDIT_CAPACITY", 10000)),
			Dialect:  getenv("ESTA_AUDIT_DIALECT", "sqlite"),
			DSN:      os.Getenv("ESTA_AUDIT_DSN"),
			LogFile:  os.Getenv("ESTA_AUDIT_LOG"),
		},
		Snapshot: SnapshotConfig{
			Backend:  getenv("ESTA_SNAPSHOT_BACKEND", "fs"),
			Dir:      getenv("ESTA_SNAPSHOT_DIR", filepath.Join(dataDir, "snapshots")),
			RedisURL: getenv("ESTA_REDIS_URL", "redis://localhost:6379/0"),
			Prefix:   getenv("ESTA_SNAPSHOT_PREFIX", "esta:snapshot:"),
		},
		Artifacts: artifacts.ConfigFromEnv(),
	}

	tel := observability.DefaultConfig()
	tel.Enabled = os.Getenv("ESTA_OTEL_ENABLED") == "true"
	tel.Insecure = os.Getenv("ESTA_OTEL_INSECURE") == "true"
	tel.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", tel.OTLPEndpoint)
	tel.Environment = getenv("ESTA_ENV", tel.Environment)
	cfg.Telemetry = tel
	return cfg
}

// LoadFile applies the YAML file at path over the environment
// configuration. Keys absent from the file keep their env or default value.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the host cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Kernel.QuantumMs <= 0 || c.Kernel.MaxSliceMs < c.Kernel.QuantumMs:
		return fmt.Errorf("kernel: quantum_ms %d and max_slice_ms %d", c.Kernel.QuantumMs, c.Kernel.MaxSliceMs)
	case c.Kernel.MessageCostMs < 0 || c.Kernel.GrantTTLMs < 0:
		return fmt.Errorf("kernel: negative cost or grant ttl")
	case c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0):
		return fmt.Errorf("rate_limit: per_second %g needs a positive burst", c.RateLimit.PerSecond)
	case c.Audit.Dialect != "sqlite" && c.Audit.Dialect != "postgres":
		return fmt.Errorf("audit: unknown dialect %q", c.Audit.Dialect)
	case c.Snapshot.Backend != "fs" && c.Snapshot.Backend != "redis":
		return fmt.Errorf("snapshot: unknown backend %q", c.Snapshot.Backend)
	}
	return nil
}

// KernelConfig builds the kernel configuration.
func (c *Config) KernelConfig() kernel.Config {
	k := kernel.DefaultConfig()
	k.MessageCostMs = c.Kernel.MessageCostMs
	k.Scheduler.QuantumMs = c.Kernel.QuantumMs
	k.Scheduler.MaxSliceMs = c.Kernel.MaxSliceMs
	k.Loader.GrantTTLMs = c.Kernel.GrantTTLMs
	return k
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}
