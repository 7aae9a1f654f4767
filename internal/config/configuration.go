package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// Database Configuration
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`

	// Logging
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=json text"`
	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	Worker   WorkerConfig   `mapstructure:",squash"`
	Storage  StorageConfig  `mapstructure:",squash"`
	Pipeline PipelineConfig `mapstructure:",squash"`
}

type WorkerConfig struct {
	ID                string        `mapstructure:"WORKER_ID"`
	Concurrency       int           `mapstructure:"WORKER_CONCURRENCY" validate:"min=1"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `mapstructure:"HEARTBEAT_TIMEOUT" validate:"gtfield=HeartbeatInterval"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL" validate:"gt=0"`
	ScratchDir        string        `mapstructure:"SCRATCH_DIR"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"S3_ENDPOINT" validate:"required,excludes=://"`
	AccessKey string `mapstructure:"S3_ACCESS_KEY" validate:"required"`
	SecretKey string `mapstructure:"S3_SECRET_KEY" validate:"required"`
	Region    string `mapstructure:"S3_REGION" validate:"required"`
	UseSSL    bool   `mapstructure:"S3_USE_SSL"`
	// Buckets are created at worker start when missing.
	Buckets []string `mapstructure:"S3_BUCKETS"`
}

type PipelineConfig struct {
	EncoderURL         string        `mapstructure:"ENCODER_URL" validate:"omitempty,url"`
	EncoderTimeout     time.Duration `mapstructure:"ENCODER_TIMEOUT"`
	DownloadMaxSize    string        `mapstructure:"DOWNLOAD_MAX_SIZE"`
	DownloadTimeout    time.Duration `mapstructure:"DOWNLOAD_TIMEOUT"`
	PatchRetries       int           `mapstructure:"PATCH_RETRIES" validate:"min=1"`
	PatchRetryDelay    time.Duration `mapstructure:"PATCH_RETRY_DELAY"`
	ReindexTimeout     time.Duration `mapstructure:"REINDEX_TIMEOUT"`
	TranscodeQualities []string      `mapstructure:"TRANSCODE_QUALITIES"`
}

// DownloadMaxBytes parses DownloadMaxSize ("20GB", "512 MiB"). Zero means unlimited.
func (p PipelineConfig) DownloadMaxBytes() (uint64, error) {
	if strings.TrimSpace(p.DownloadMaxSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(p.DownloadMaxSize)
	if err != nil {
		return 0, fmt.Errorf("parse DOWNLOAD_MAX_SIZE: %w", err)
	}
	return n, nil
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		tag := field.Tag.Get("mapstructure")

		squashed := strings.HasPrefix(tag, ",")
		if tag != "" && !squashed {
			viper.BindEnv(tag)
		}

		// Nested structs are squashed: their fields bind at the top level.
		if field.Type.Kind() == reflect.Struct && (tag == "" || squashed) {
			nestedTyp := fieldVal.Type()
			for j := 0; j < fieldVal.NumField(); j++ {
				nestedTag := nestedTyp.Field(j).Tag.Get("mapstructure")
				if nestedTag != "" {
					viper.BindEnv(nestedTag)
				}
			}
		}
	}
}

func setDefaults() {
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("LOG_LEVEL", "info")

	viper.SetDefault("WORKER_CONCURRENCY", 2)
	viper.SetDefault("HEARTBEAT_INTERVAL", "15s")
	viper.SetDefault("HEARTBEAT_TIMEOUT", "2m")
	viper.SetDefault("POLL_INTERVAL", "5s")

	viper.SetDefault("S3_ENDPOINT", "localhost:9000")
	viper.SetDefault("S3_REGION", "us-east-1")

	viper.SetDefault("ENCODER_TIMEOUT", "30s")
	viper.SetDefault("DOWNLOAD_MAX_SIZE", "20GB")
	viper.SetDefault("DOWNLOAD_TIMEOUT", "2h")
	viper.SetDefault("PATCH_RETRIES", 5)
	viper.SetDefault("PATCH_RETRY_DELAY", "500ms")
	viper.SetDefault("REINDEX_TIMEOUT", "10s")
	viper.SetDefault("TRANSCODE_QUALITIES", "240p,360p,480p,720p,1080p")
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Pipeline.TranscodeQualities = splitList(cfg.Pipeline.TranscodeQualities)
	cfg.Storage.Buckets = splitList(cfg.Storage.Buckets)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if _, err := cfg.Pipeline.DownloadMaxBytes(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	slog.Info("Loaded configuration",
		"worker_concurrency", cfg.Worker.Concurrency,
		"s3_endpoint", cfg.Storage.Endpoint,
		"encoder_url", cfg.Pipeline.EncoderURL,
		"transcode_qualities", cfg.Pipeline.TranscodeQualities,
	)

	return &cfg, nil
}

// splitList accepts both a real list and a single comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
