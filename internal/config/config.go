package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the limits the service has always enforced.
const (
	DefaultMaxUploadBytes = 5 << 20
	DefaultMaxBatchFiles  = 10
	DefaultResizeBound    = 500
	DefaultModelName      = "u2net"
	DefaultModelInputSize = 320
)

// Config represents runtime configuration for the service.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Model     ModelConfig    `yaml:"model"`
	Limits    LimitsConfig   `yaml:"limits"`
	Storage   StorageConfig  `yaml:"storage"`
	Redis     RedisConfig    `yaml:"redis"`
	Database  DatabaseConfig `yaml:"database"`
	Auth      AuthConfig     `yaml:"auth"`
	Log       LogConfig      `yaml:"log"`
	StaticDir string         `yaml:"static_dir"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	// GRPCAddr is where the segmentd command listens.
	GRPCAddr string `yaml:"grpc_addr"`
}

type ModelConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Backend string `yaml:"backend" validate:"oneof=onnx grpc"`
	// Path to the .onnx file; defaults to models/<name>.onnx.
	Path        string `yaml:"path"`
	LibraryPath string `yaml:"library_path"`
	InputSize   int    `yaml:"input_size" validate:"gt=0"`
	RemoteAddr  string `yaml:"remote_addr" validate:"required_if=Backend grpc"`
}

type LimitsConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gt=0"`
	MaxBatchFiles  int   `yaml:"max_batch_files" validate:"gt=0"`
	ResizeBound    int   `yaml:"resize_bound" validate:"gt=0"`
	BatchWorkers   int   `yaml:"batch_workers" validate:"gt=0"`
}

type StorageConfig struct {
	StagingDir string `yaml:"staging_dir" validate:"required"`
	// LocalRoot enables the server-local path inputs; empty disables them.
	LocalRoot     string        `yaml:"local_root"`
	ArtifactTTL   time.Duration `yaml:"artifact_ttl" validate:"gt=0"`
	SweepSchedule string        `yaml:"sweep_schedule" validate:"required"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			GRPCAddr:        ":50051",
		},
		Model: ModelConfig{
			Name:      DefaultModelName,
			Backend:   "onnx",
			InputSize: DefaultModelInputSize,
		},
		Limits: LimitsConfig{
			MaxUploadBytes: DefaultMaxUploadBytes,
			MaxBatchFiles:  DefaultMaxBatchFiles,
			ResizeBound:    DefaultResizeBound,
			BatchWorkers:   1,
		},
		Storage: StorageConfig{
			StagingDir:    "temp",
			ArtifactTTL:   time.Hour,
			SweepSchedule: "@every 5m",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Model.Path == "" {
		cfg.Model.Path = filepath.Join("models", cfg.Model.Name+".onnx")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Model.Name = getEnv("MODEL_NAME", c.Model.Name)
	c.Model.Backend = getEnv("MODEL_BACKEND", c.Model.Backend)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.LibraryPath = getEnv("ORT_LIBRARY_PATH", c.Model.LibraryPath)
	c.Model.RemoteAddr = getEnv("SEGMENTER_ADDR", c.Model.RemoteAddr)
	c.Storage.StagingDir = getEnv("STAGING_DIR", c.Storage.StagingDir)
	c.Storage.LocalRoot = getEnv("LOCAL_ROOT", c.Storage.LocalRoot)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	if raw := os.Getenv("ARTIFACT_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse ARTIFACT_TTL: %w", err)
		}
		c.Storage.ArtifactTTL = ttl
	}
	if raw := os.Getenv("BATCH_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse BATCH_WORKERS: %w", err)
		}
		c.Limits.BatchWorkers = n
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
