// Package config loads and validates the vidscan service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Repository drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Blob drivers.
const (
	BlobDriverFS = "fs"
	BlobDriverS3 = "s3"
)

// ServiceConfig holds everything the serve command needs to wire the service.
// Values come from environment variables (optionally loaded from .env).
type ServiceConfig struct {
	Port        int    `validate:"min=1,max=65535"`
	Environment string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	RepositoryDriver string `validate:"oneof=sqlite postgres memory"`
	DatabaseURL      string `validate:"required_if=RepositoryDriver postgres"`
	SQLitePath       string `validate:"required_if=RepositoryDriver sqlite"`

	BlobDriver string `validate:"oneof=fs s3"`
	UploadDir  string `validate:"required_if=BlobDriver fs"`
	S3         S3Config

	Upload   UploadConfig
	Pipeline PipelineConfig

	StreamRequireAuth bool
	FeedRequireAuth   bool
	SubscriberBuffer  int `validate:"min=1"`
	CORSOrigins       []string

	RedisURL     string
	RedisChannel string `validate:"required"`
}

// S3Config configures the S3-compatible blob backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// UploadConfig bounds what the intake service accepts.
type UploadConfig struct {
	MaxBytes           int64    `validate:"min=1"`
	AcceptedMediaTypes []string `validate:"min=1,dive,required"`
	DefaultTitle       string   `validate:"required,max=200"`
}

// PipelineConfig configures the stage sequence and its failure policy.
type PipelineConfig struct {
	Checkpoints  []int         `validate:"min=1,dive,min=1,max=100"`
	StageDelay   time.Duration `validate:"gte=0"`
	StageTimeout time.Duration `validate:"gt=0"`
	StageRetries int           `validate:"gte=0,lte=10"`
	RetryBackoff time.Duration `validate:"gte=0"`
}

// Load reads the service configuration from the environment and validates it.
func Load() (*ServiceConfig, error) {
	checkpoints, err := ParseCheckpoints(getEnvString("PIPELINE_CHECKPOINTS", "10,30,60,90,100"))
	if err != nil {
		return nil, err
	}

	cfg := &ServiceConfig{
		Port:             getEnvInt("PORT", 8080),
		Environment:      getEnvString("ENVIRONMENT", "development"),
		LogLevel:         getEnvString("LOG_LEVEL", "info"),
		RepositoryDriver: getEnvString("REPOSITORY_DRIVER", DriverSQLite),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnvString("SQLITE_PATH", "data/vidscan.db"),
		BlobDriver:       getEnvString("BLOB_DRIVER", BlobDriverFS),
		UploadDir:        getEnvString("UPLOAD_DIR", "uploads"),
		S3: S3Config{
			Bucket:   os.Getenv("S3_BUCKET"),
			Region:   getEnvString("S3_REGION", "us-east-1"),
			Endpoint: os.Getenv("S3_ENDPOINT"),
			Prefix:   os.Getenv("S3_PREFIX"),
		},
		Upload: UploadConfig{
			MaxBytes:           getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
			AcceptedMediaTypes: splitList(getEnvString("ACCEPTED_MEDIA_TYPES", "video/")),
			DefaultTitle:       getEnvString("DEFAULT_TITLE", "Untitled"),
		},
		Pipeline: PipelineConfig{
			Checkpoints:  checkpoints,
			StageDelay:   getEnvDuration("PIPELINE_STAGE_DELAY", 1500*time.Millisecond),
			StageTimeout: getEnvDuration("PIPELINE_STAGE_TIMEOUT", 30*time.Second),
			StageRetries: getEnvInt("PIPELINE_STAGE_RETRIES", 2),
			RetryBackoff: getEnvDuration("PIPELINE_RETRY_BACKOFF", 250*time.Millisecond),
		},
		StreamRequireAuth: getEnvBool("STREAM_REQUIRE_AUTH", true),
		FeedRequireAuth:   getEnvBool("FEED_REQUIRE_AUTH", false),
		SubscriberBuffer:  getEnvInt("SUBSCRIBER_BUFFER", 64),
		CORSOrigins:       splitList(getEnvString("CORS_ORIGINS", "http://localhost:5173,http://localhost:5174")),
		RedisURL:          os.Getenv("REDIS_URL"),
		RedisChannel:      getEnvString("REDIS_CHANNEL", "vidscan:progress"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *ServiceConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.BlobDriver == BlobDriverS3 && c.S3.Bucket == "" {
		return fmt.Errorf("config error: S3_BUCKET is required when BLOB_DRIVER=s3")
	}
	if err := ValidateCheckpoints(c.Pipeline.Checkpoints); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// ParseCheckpoints parses a comma-separated list such as "10,30,60,90,100".
func ParseCheckpoints(raw string) ([]int, error) {
	parts := splitList(raw)
	if len(parts) == 0 {
		return nil, fmt.Errorf("config error: PIPELINE_CHECKPOINTS is empty")
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("config error: invalid checkpoint %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// ValidateCheckpoints requires strictly increasing values in 1..100 ending at 100.
func ValidateCheckpoints(checkpoints []int) error {
	if len(checkpoints) == 0 {
		return fmt.Errorf("at least one checkpoint is required")
	}
	prev := 0
	for i, cp := range checkpoints {
		if cp <= prev {
			return fmt.Errorf("checkpoint %d (%d) must be greater than %d", i, cp, prev)
		}
		if cp > 100 {
			return fmt.Errorf("checkpoint %d (%d) exceeds 100", i, cp)
		}
		prev = cp
	}
	if prev != 100 {
		return fmt.Errorf("last checkpoint must be 100, got %d", prev)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
