package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/config"
	"proxyfleet/internal/controller"
	"proxyfleet/internal/metrics"
	"proxyfleet/internal/model"
	"proxyfleet/internal/observability"
	"proxyfleet/internal/pipeline"
	"proxyfleet/internal/proxy"
	"proxyfleet/internal/ratelimit"
	"proxyfleet/internal/session"
	"proxyfleet/internal/syncclient"
)

// shutdownGrace bounds how long the submitter is given to flush in-flight
// results after the pool has drained.
const shutdownGrace = 5 * time.Second

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
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return exitConfigError
	}

	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting proxyfleet worker",
		zap.String("worker_id", cfg.WorkerID),
		zap.String("coordinator_url", cfg.CoordinatorURL))

	var otelShutdown func()
	var promMetrics *observability.Metrics
	if cfg.MetricsEnabled {
		promMetrics = observability.NewMetrics(nil)
		otelShutdown, err = observability.SetupOpenTelemetry("proxyfleet-worker", logger)
		if err != nil {
			logger.Warn("failed to set up opentelemetry", zap.Error(err))
		}
	}
	if otelShutdown != nil {
		defer otelShutdown()
	}

	client := syncclient.NewClient(cfg.CoordinatorURL, cfg.WorkerID, cfg.WorkerToken)
	client.SetTimeout(cfg.HTTPClientTimeout)

	window := metrics.New()
	bootstrapSettings := model.DefaultSettings()
	if mode := model.ProxyMode(cfg.InitialProxyMode); mode == model.ProxyModeTunnel {
		bootstrapSettings.ProxyMode = mode
	}

	ctl := controller.New(window, bootstrapSettings, bootstrapSettings.ProxyMode, time.Now().UnixNano())
	bucket := ratelimit.New(bootstrapSettings.TokenBucketRate)
	syncer := syncclient.NewSyncer(client, ctl, bucket, window, logger)

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = syncer.Bootstrap(bootstrapCtx)
	bootstrapCancel()
	if err != nil {
		logger.Error("failed to pull initial settings from coordinator", zap.Error(err))
		return exitUnreachable
	}

	settings := syncer.Settings()
	proxyMgr := proxy.New(settings)
	defer proxyMgr.Close()

	var natsSub *syncclient.NatsSubscriber
	if cfg.NATSURL != "" {
		natsSub, err = syncclient.NewNatsSubscriber(cfg.NATSURL, syncer, logger)
		if err != nil {
			logger.Warn("failed to connect to nats for fast-reaction updates, falling back to poll-only", zap.Error(err))
		} else {
			defer natsSub.Close()
		}
	}

	sessions := session.NewHTTPProvider()
	submitter := pipeline.NewSubmitter(client, promMetrics, logger)
	processor := pipeline.NewProcessor(cfg.WorkerID, settings.ProxyMode, bucket, proxyMgr, sessions, ctl, submitter,
		func() int { return syncer.Settings().MaxRetries }, logger)
	feeder := pipeline.NewFeeder(client, ctl, logger)
	pool := pipeline.NewPool(ctl, feeder.Queue(), processor.Handle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	submitterCtx, cancelSubmitter := context.WithCancel(context.Background())

	go feeder.Run(ctx)
	go submitter.Run(submitterCtx)
	go syncer.Run(ctx)
	go ctl.RunEvaluationLoop(ctx, time.Duration(settings.AdjustIntervalS*float64(time.Second)), logger)
	go proxy.RunRotationWatcher(ctx, proxyMgr, processor.InvalidateSessions, logger)

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	logger.Info("worker ready", zap.String("proxy_mode", string(settings.ProxyMode)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	cancel()
	<-poolDone

	time.Sleep(shutdownGrace)
	cancelSubmitter()

	logger.Info("worker shutdown complete")
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
