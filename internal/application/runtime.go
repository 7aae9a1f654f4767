package application

import (
	"context"
	"fmt"
	"log/slog"

	"thirdcoast.systems/reel/internal/config"
	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/encoding"
	"thirdcoast.systems/reel/internal/entity"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/taskstore"
	"thirdcoast.systems/reel/internal/worker"
)

// NewRuntime builds the Postgres, MinIO and encoder backed runtime.
func NewRuntime(conf *config.Config, dbc *db.DatabaseConnection, logger *slog.Logger) (*worker.Runtime, error) {
	settings, err := worker.SettingsFromConfig(conf)
	if err != nil {
		return nil, err
	}
	client, err := objectstore.NewMinIOClient(conf.Storage)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	var enc encoding.Encoder
	if conf.Pipeline.EncoderURL != "" {
		enc = encoding.NewClient(conf.Pipeline.EncoderURL, conf.Pipeline.EncoderTimeout)
	} else {
		logger.Warn("ENCODER_URL not set, transcode steps will fail")
	}

	return &worker.Runtime{
		Tasks:    taskstore.NewPostgres(dbc),
		Objects:  objectstore.NewMinIO(client),
		Entities: entity.NewPostgres(dbc),
		Encoder:  enc,
		Logger:   logger,
		Settings: settings,
	}, nil
}

// Connect opens the pool and database handle the binaries share. Closing
// the handle closes the pool.
func Connect(ctx context.Context, conf *config.Config) (*db.DatabaseConnection, func(), error) {
	pool, err := OpenDBPoolWithRetry(ctx, *conf)
	if err != nil {
		return nil, nil, err
	}
	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	return dbc, dbc.Close, nil
}
