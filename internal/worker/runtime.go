package worker

import (
	"fmt"
	"log/slog"
	"time"

	"thirdcoast.systems/reel/internal/config"
	"thirdcoast.systems/reel/internal/encoding"
	"thirdcoast.systems/reel/internal/entity"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/taskstore"
)

// Settings are the tunables steps and the wrapper read at run time.
type Settings struct {
	ScratchDir         string
	PatchRetry         entity.RetryPolicy
	ReindexTimeout     time.Duration
	DownloadMaxBytes   uint64
	DownloadTimeout    time.Duration
	TranscodeQualities []string
}

func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	maxBytes, err := cfg.Pipeline.DownloadMaxBytes()
	if err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	return Settings{
		ScratchDir: cfg.Worker.ScratchDir,
		PatchRetry: entity.RetryPolicy{
			Attempts: cfg.Pipeline.PatchRetries,
			Delay:    cfg.Pipeline.PatchRetryDelay,
		},
		ReindexTimeout:     cfg.Pipeline.ReindexTimeout,
		DownloadMaxBytes:   maxBytes,
		DownloadTimeout:    cfg.Pipeline.DownloadTimeout,
		TranscodeQualities: cfg.Pipeline.TranscodeQualities,
	}, nil
}

// Runtime carries the collaborators every step and the dispatcher share.
type Runtime struct {
	Tasks    taskstore.Store
	Objects  objectstore.Store
	Entities entity.Store
	Encoder  encoding.Encoder
	Logger   *slog.Logger
	Settings Settings
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

func (rt *Runtime) reindexTimeout() time.Duration {
	if rt.Settings.ReindexTimeout <= 0 {
		return 10 * time.Second
	}
	return rt.Settings.ReindexTimeout
}
