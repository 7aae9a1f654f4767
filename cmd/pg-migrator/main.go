package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"thirdcoast.systems/reel/internal/application"
	"thirdcoast.systems/reel/internal/config"
	"thirdcoast.systems/reel/internal/logging"
)

func main() {
	startupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conf, err := config.LoadConfig(startupCtx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Install(os.Stdout, conf.LogFormat, conf.LogLevel)
	logger.Info("Starting database migrator")

	dbc, closeDB, err := application.Connect(startupCtx, conf)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := dbc.Migrate(startupCtx); err != nil {
		logger.Error("failed to run PostgreSQL migrations", "error", err)
		closeDB()
		os.Exit(1)
	}

	logger.Info("Database migrations completed successfully")
}
