package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"thirdcoast.systems/reel/internal/application"
	"thirdcoast.systems/reel/internal/config"
	"thirdcoast.systems/reel/internal/flow"
	"thirdcoast.systems/reel/internal/logging"
	"thirdcoast.systems/reel/internal/objectstore"
	"thirdcoast.systems/reel/internal/pool"
	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Install(os.Stdout, conf.LogFormat, conf.LogLevel)
	logger.Info("Starting pipeline worker")

	workerID := conf.Worker.ID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}

	dbc, closeDB, err := application.Connect(ctx, conf)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	rt, err := application.NewRuntime(conf, dbc, logger.With("worker_id", workerID))
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}

	if err := objectstore.EnsureBuckets(ctx, rt.Objects, conf.Storage.Region, conf.Storage.Buckets...); err != nil {
		logger.Error("failed to prepare buckets", "error", err)
		os.Exit(1)
	}

	registry, err := steps.NewRegistry(rt, steps.FFmpeg{}, &http.Client{})
	if err != nil {
		logger.Error("failed to register steps", "error", err)
		os.Exit(1)
	}

	queue := pool.NewQueue(dbc, conf.DatabaseDSN, pool.QueueOptions{
		WorkerID:          workerID,
		Workers:           conf.Worker.Concurrency,
		HeartbeatInterval: conf.Worker.HeartbeatInterval,
		HeartbeatTimeout:  conf.Worker.HeartbeatTimeout,
		PollInterval:      conf.Worker.PollInterval,
	})
	dispatcher := flow.NewDispatcher(rt, registry, queue, flow.DefaultDefinitions())
	wrapper := worker.NewWrapper(rt, registry, dispatcher)

	logger.Info("Pipeline workers started", "workers", conf.Worker.Concurrency, "worker_id", workerID, "steps", registry.Kinds())
	if err := queue.Run(ctx, wrapper.Handle); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker pool stopped", "error", err)
	}

	wrapper.Wait()
	logger.Info("Pipeline worker stopping")
}
