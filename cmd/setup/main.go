package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-notify/internal/app"
	"go-notify/internal/config"
	"go-notify/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.GetLogger().WithError(err).Fatal("Invalid configuration")
	}
	observability.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := observability.Component("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := app.NewBrokerClient(cfg, "setup")
	err = client.SetupTopology(ctx)
	_ = client.Close()
	if err != nil {
		logger.WithError(err).Error("Topology setup failed")
		os.Exit(1)
	}

	topology := client.Topology()
	for _, b := range topology.Bindings {
		logger.WithField("exchange", topology.Exchange).
			WithField("queue", b.Queue).
			WithField("routing_key", b.RoutingKey).
			Info("Queue bound")
	}
}
