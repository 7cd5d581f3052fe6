package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"proxyfleet/internal/config"
	"proxyfleet/internal/coordinator"
	"proxyfleet/internal/observability"
	"proxyfleet/internal/store"
)

// Exit codes follow spec §6: 0 normal, 1 fatal config error, 2 upstream
// unreachable at start-up, 130 after a graceful SIGINT/SIGTERM shutdown.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitUnreachable   = 2
	exitSignalHandled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return exitConfigError
	}

	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting proxyfleet coordinator", zap.String("log_level", cfg.LogLevel))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	ctx := context.Background()

	postgres, err := store.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", zap.Error(err))
		return exitUnreachable
	}
	defer postgres.Close()

	if err := postgres.RunMigrations(cfg.MigrationsPath); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	redisClient, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", zap.Error(err))
		return exitUnreachable
	}
	defer redisClient.Close()

	settingsStore := store.NewSettingsStore(redisClient)
	settings, err := settingsStore.Load(ctx)
	if err != nil {
		logger.Error("failed to load settings", zap.Error(err))
		return exitUnreachable
	}

	var events *coordinator.EventPublisher
	if cfg.NATSURL != "" {
		events, err = coordinator.NewEventPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to nats", zap.Error(err))
			return exitUnreachable
		}
		defer events.Close()
	}

	taskStore := store.NewTaskStore(postgres)
	arbiter := coordinator.NewArbiter(settingsStore, settings, time.Now().UnixNano())

	workerAuth, err := coordinator.NewWorkerAuth(cfg.WorkerToken)
	if err != nil {
		logger.Error("failed to hash worker token", zap.Error(err))
		return exitConfigError
	}

	handlers := coordinator.NewHandlers(arbiter, taskStore, events, metrics, logger)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})
	coordinator.SetupRoutes(app, logger, metrics, handlers, workerAuth)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	sweeper := coordinator.NewSweeper(arbiter, taskStore, logger)
	go sweeper.Run(sweepCtx)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(":" + cfg.Port)
	}()

	logger.Info("coordinator ready", zap.String("port", cfg.Port), zap.String("proxy_mode", string(settings.ProxyMode)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-listenErr:
		logger.Error("fiber server stopped", zap.Error(err))
		cancelSweep()
		return exitConfigError
	case <-quit:
	}

	logger.Info("shutting down coordinator...")
	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during fiber shutdown", zap.Error(err))
	}
	logger.Info("coordinator shutdown complete")
	return exitSignalHandled
}

func buildLogger(level string) *zap.Logger {
	if os.Getenv("GO_ENV") == "development" {
		return observability.NewDevelopmentLogger()
	}
	logger, err := observability.NewLogger(level)
	if err != nil {
		return observability.NewDevelopmentLogger()
	}
	return logger
}
