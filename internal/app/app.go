// Package app builds the process components from configuration.
package app

import (
	"context"
	"fmt"
	"os"

	"go-notify/internal/broker"
	"go-notify/internal/config"
	"go-notify/internal/delivery/email"
	"go-notify/internal/delivery/sms"
	"go-notify/internal/fallback"
	"go-notify/internal/kafka"
	"go-notify/internal/notification"
	"go-notify/internal/observability"
	"go-notify/internal/throttle"
)

// Closer releases a resource opened by one of the builders.
type Closer func() error

func noopCloser() error { return nil }

// NewBrokerClient builds an unconnected client for the configured exchange.
func NewBrokerClient(cfg *config.Config, role string) *broker.Client {
	topology := broker.DefaultTopology()
	topology.Exchange = cfg.AMQP.Exchange

	host, _ := os.Hostname()
	return broker.NewClient(broker.Config{
		URL:                  cfg.AMQP.URL,
		ConnectionName:       fmt.Sprintf("go-notify-%s@%s", role, host),
		PublishTimeout:       cfg.AMQP.PublishTimeout,
		Prefetch:             cfg.AMQP.Prefetch,
		ReconnectMaxAttempts: cfg.AMQP.ReconnectMaxAttempts,
		ReconnectBaseBackoff: cfg.AMQP.ReconnectBaseBackoff,
		ReconnectMaxBackoff:  cfg.AMQP.ReconnectMaxBackoff,
		DialTimeout:          cfg.AMQP.DialTimeout,
	}, broker.WithTopology(topology))
}

// NewDeadLetterSink always logs dead letters and also publishes them to
// Kafka when brokers are configured.
func NewDeadLetterSink(cfg *config.Config) (kafka.Sink, Closer) {
	sinks := kafka.MultiSink{kafka.NewLogSink()}
	if len(cfg.Kafka.Brokers) == 0 {
		return sinks, noopCloser
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		Topic:      cfg.Kafka.DLQTopic,
		MaxRetries: cfg.Kafka.MaxRetries,
	})
	observability.Component("app").
		WithField("topic", cfg.Kafka.DLQTopic).
		Info("Dead letters will be published to Kafka")
	return append(sinks, producer), producer.Close
}

// NewEmailSender uses Postmark when a server token is set and logs otherwise.
func NewEmailSender(cfg *config.Config) (email.Sender, error) {
	if cfg.Email.PostmarkServerToken == "" {
		observability.Component("app").Warn("POSTMARK_SERVER_TOKEN not set, emails will only be logged")
		return email.NewLogSender(), nil
	}
	return email.NewPostmarkSender(email.Config{
		ServerToken: cfg.Email.PostmarkServerToken,
		BaseURL:     cfg.Email.PostmarkBaseURL,
		From:        cfg.Email.From,
		Subject:     cfg.Email.Subject,
	})
}

func NewSMSSender(cfg *config.Config) sms.Sender {
	return sms.NewGateway(sms.Config{
		GatewayURL: cfg.SMS.GatewayURL,
		APIKey:     cfg.SMS.APIKey,
		SenderID:   cfg.SMS.SenderID,
		Timeout:    cfg.SMS.Timeout,
	})
}

func NewDeliverer(cfg *config.Config) (*notification.Deliverer, error) {
	emailSender, err := NewEmailSender(cfg)
	if err != nil {
		return nil, err
	}
	return notification.NewDeliverer(emailSender, NewSMSSender(cfg)), nil
}

// Fallback bundles the durable queue used by the publisher and the worker
// that drains it.
type Fallback struct {
	Store  fallback.Store
	Queue  *fallback.Queue
	Worker *fallback.Worker
}

func OpenFallback(ctx context.Context, cfg *config.Config, deliver fallback.DeliverFunc, sink kafka.Sink, metrics observability.MetricsCollector) (*Fallback, error) {
	store, err := fallback.Open(ctx, cfg.Fallback.Driver, cfg.Fallback.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening fallback store: %w", err)
	}

	queue := fallback.NewQueue(store, cfg.Fallback.MaxRetries)
	worker := fallback.NewWorker(store, deliver, sink, metrics, fallback.WorkerConfig{
		Interval:    cfg.Fallback.Interval,
		BatchSize:   cfg.Fallback.BatchSize,
		Lease:       cfg.Fallback.Lease,
		BaseBackoff: cfg.Fallback.BaseBackoff,
		MaxBackoff:  cfg.Fallback.MaxBackoff,
	})
	queue.OnEnqueue(worker.Trigger)

	return &Fallback{Store: store, Queue: queue, Worker: worker}, nil
}

func (f *Fallback) Close() error {
	return f.Store.Close()
}

func NewThrottleService(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector) (*throttle.Service, Closer, error) {
	trusted, err := throttle.ParseTrustedProxies(cfg.Throttle.TrustedProxies)
	if err != nil {
		return nil, nil, err
	}

	var store throttle.Store
	switch cfg.Throttle.Driver {
	case "redis":
		store, err = throttle.OpenRedis(ctx, cfg.Throttle.RedisURL, cfg.Throttle.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
	default:
		store = throttle.NewMemoryStore()
	}

	opts := []throttle.Option{
		throttle.WithMetrics(metrics),
		throttle.WithTrustedProxies(trusted...),
	}
	if cfg.Throttle.GeoLookupURL != "" {
		opts = append(opts, throttle.WithGeoResolver(
			throttle.NewHTTPGeoResolver(cfg.Throttle.GeoLookupURL, cfg.Throttle.GeoPerMinute)))
	}

	svc := throttle.NewService(store, throttle.Policy{
		MaxAttempts: cfg.Throttle.MaxAttempts,
		DecayWindow: cfg.Throttle.DecayWindow,
	}, opts...)

	return svc, func() error {
		svc.Wait()
		return store.Close()
	}, nil
}
