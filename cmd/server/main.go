package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go-notify/internal/app"
	"go-notify/internal/config"
	"go-notify/internal/notification"
	"go-notify/internal/observability"
	"go-notify/internal/server"
)

func main() {
	if err := run(); err != nil {
		observability.Component("server").WithError(err).Error("Server exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := observability.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewInMemoryMetrics()

	client := app.NewBrokerClient(cfg, "api")
	defer client.Close()
	if err := client.SetupTopology(ctx); err != nil {
		logger.WithError(err).Warn("Broker unavailable at startup, notifications will use the fallback queue")
	}

	deliverer, err := app.NewDeliverer(cfg)
	if err != nil {
		return err
	}
	sink, closeSink := app.NewDeadLetterSink(cfg)
	defer closeSink()

	fb, err := app.OpenFallback(ctx, cfg, deliverer.DeliverRaw, sink, metrics)
	if err != nil {
		return err
	}
	defer fb.Close()

	throttleSvc, closeThrottle, err := app.NewThrottleService(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer closeThrottle()

	publisher := notification.NewPublisher(client, fb.Queue, metrics)

	router := server.NewRouter(server.Deps{
		Publisher: publisher,
		Broker:    client,
		Fallback:  fb.Queue,
		Metrics:   metrics,
		Throttle:  throttleSvc,
	})
	srv := server.New(server.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, router)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := fb.Worker.Run(ctx); err != nil {
			logger.WithError(err).Error("Fallback worker stopped")
		}
	}()
	go func() {
		defer wg.Done()
		client.HealthCheckLoop(ctx, 15*time.Second)
	}()

	err = srv.Run(ctx)
	stop()
	wg.Wait()

	logger.WithField("metrics", metrics.Snapshot()).Info("Server stopped")
	return err
}
