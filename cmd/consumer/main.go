package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-notify/internal/app"
	"go-notify/internal/broker"
	"go-notify/internal/config"
	"go-notify/internal/notification"
	"go-notify/internal/observability"
	"go-notify/pkg/models"
)

func main() {
	consumerType := flag.String("type", "", "notification type to consume: email or sms")
	flag.Parse()

	if err := run(*consumerType); err != nil {
		observability.Component("consumer").WithError(err).Error("Consumer exited")
		os.Exit(1)
	}
}

func run(consumerType string) error {
	channel := models.Channel(consumerType)
	if channel != models.ChannelEmail && channel != models.ChannelSMS {
		return fmt.Errorf("-type must be %q or %q, got %q", models.ChannelEmail, models.ChannelSMS, consumerType)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := observability.Component("consumer").WithField("channel", channel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := app.NewBrokerClient(cfg, "consumer-"+string(channel))
	defer client.Close()

	queue, ok := client.Topology().QueueFor(notification.RoutingKey(channel))
	if !ok {
		return fmt.Errorf("no queue bound for %s notifications", channel)
	}

	deliverer, err := app.NewDeliverer(cfg)
	if err != nil {
		return err
	}
	if channel == models.ChannelSMS && !app.NewSMSSender(cfg).IsConfigured() {
		logger.Warn("SMS gateway is not configured, messages will be dead-lettered")
	}

	sink, closeSink := app.NewDeadLetterSink(cfg)
	defer closeSink()

	metrics := observability.NewInMemoryMetrics()
	consumer := notification.NewConsumer(deliverer, client, sink, metrics, notification.ConsumerConfig{
		MaxAttempts:    cfg.Consumer.MaxAttempts,
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
	})

	logger.WithField("queue", queue).Info("Starting consumer")
	err = client.Consume(ctx, queue, consumer.Handler(channel))

	logger.WithField("metrics", metrics.Snapshot()).Info("Consumer finished")
	if errors.Is(err, broker.ErrReconnectExhausted) {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	return err
}
