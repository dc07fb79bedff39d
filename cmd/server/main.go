package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"capstone-brain/backend/internal/ws"
	"capstone-brain/backend/pkg/config"
	"capstone-brain/backend/pkg/di"
	"capstone-brain/backend/pkg/logger"
	"capstone-brain/backend/pkg/router"
	"capstone-brain/backend/shared/observability"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	// Initialize structured logger
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.LogError(err, "Invalid configuration")
		os.Exit(1)
	}

	log.Info("Starting application", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env)

	if err := run(cfg, log); err != nil {
		log.LogError(err, "Server stopped with error")
		os.Exit(1)
	}
	log.Info("Server exited gracefully")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics http.Handler
	if cfg.Observability.MetricsEnabled {
		handler, shutdown, err := observability.SetupMetrics(cfg.Observability.ServiceName)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
		metrics = handler
	}
	if cfg.Observability.TracingEnabled {
		shutdown, err := observability.SetupTracing(cfg.Observability.ServiceName, os.Stdout)
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

	if err := container.AccountService.EnsureAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		return err
	}

	notifications, err := container.Notifier.Subscribe(ctx)
	if err != nil {
		return err
	}
	hub := ws.NewHub(container.Authenticator, cfg.Security.AllowedOrigins, log)

	r := router.New(container, hub, metrics)
	if err := r.SetupRoutes(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	container.Health.Start(gctx)

	g.Go(func() error {
		hub.Run(gctx, notifications)
		return nil
	})
	g.Go(func() error {
		r.RateLimiter.RunCleanup(gctx)
		return nil
	})
	if cfg.Relay.EmbeddedWorker {
		consumer := container.NewConsumer()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
