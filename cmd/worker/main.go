// Command worker runs the relay consumer as its own process, with a gRPC
// health endpoint for the orchestrator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"capstone-brain/backend/pkg/config"
	"capstone-brain/backend/pkg/di"
	"capstone-brain/backend/pkg/health"
	"capstone-brain/backend/pkg/logger"
	"capstone-brain/backend/shared/observability"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.LogError(err, "Invalid configuration")
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.LogError(err, "Worker stopped with error")
		os.Exit(1)
	}
	log.Info("Worker exited gracefully")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.TracingEnabled {
		shutdown, err := observability.SetupTracing(cfg.Observability.ServiceName+"-worker", os.Stdout)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	container, err := di.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			log.LogError(err, "Failed to close backends")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	container.Health.Start(gctx)

	consumer := container.NewConsumer()
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		return health.ServeGRPC(gctx, ":"+cfg.Worker.GRPCPort, container.Health, log)
	})

	return g.Wait()
}
