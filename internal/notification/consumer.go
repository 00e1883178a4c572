package notification

import (
	"context"
	"encoding/json"
	"time"

	"go-notify/internal/broker"
	"go-notify/internal/kafka"
	"go-notify/internal/observability"
	"go-notify/pkg/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Outcome is the terminal state of one delivery.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRetryPending
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryPending:
		return "retry_pending"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Republisher puts a retried message back on the exchange.
type Republisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, persistent bool, opts ...broker.PublishOption) error
}

type ConsumerConfig struct {
	MaxAttempts    int
	HandlerTimeout time.Duration
}

// Consumer settles broker deliveries: ack on success, republish with an
// incremented attempt count on retryable failure, reject and dead-letter
// otherwise.
type Consumer struct {
	deliverer *Deliverer
	broker    Republisher
	sink      kafka.Sink
	metrics   observability.MetricsCollector
	cfg       ConsumerConfig
	logger    *logrus.Entry
}

func NewConsumer(d *Deliverer, r Republisher, sink kafka.Sink, metrics observability.MetricsCollector, cfg ConsumerConfig) *Consumer {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	if sink == nil {
		sink = kafka.NewLogSink()
	}
	return &Consumer{
		deliverer: d,
		broker:    r,
		sink:      sink,
		metrics:   metrics,
		cfg:       cfg,
		logger:    observability.Component("consumer"),
	}
}

func (c *Consumer) ProcessEmail(ctx context.Context, d amqp.Delivery) Outcome {
	return c.process(ctx, models.ChannelEmail, d)
}

func (c *Consumer) ProcessSMS(ctx context.Context, d amqp.Delivery) Outcome {
	return c.process(ctx, models.ChannelSMS, d)
}

// Handler adapts the consumer for broker.Client.Consume.
func (c *Consumer) Handler(channel models.Channel) broker.Handler {
	return func(ctx context.Context, d amqp.Delivery) {
		c.process(ctx, channel, d)
	}
}

func (c *Consumer) process(ctx context.Context, channel models.Channel, d amqp.Delivery) Outcome {
	c.metrics.IncReceived()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	logger := c.logger.WithFields(logrus.Fields{
		"channel":      channel,
		"delivery_tag": d.DeliveryTag,
		"redelivered":  d.Redelivered,
	})

	msg, err := Decode(d.Body, channel)
	if err != nil {
		logger.WithField("raw_payload", string(d.Body)).WithError(err).Error("Malformed message")
		return c.deadLetter(ctx, logger, d, msg, channel, err)
	}

	logger = logger.WithFields(logrus.Fields{
		"message_id":        msg.MessageID,
		"user_id":           msg.UserID,
		"notification_type": msg.NotificationType,
		"attempt":           msg.AttemptCount + 1,
	})

	err = c.deliverer.Deliver(ctx, msg)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logger.WithError(ackErr).Error("Failed to ack message")
		}
		c.metrics.IncDelivered()
		logger.Info("Notification delivered")
		return OutcomeDelivered
	}

	if IsPermanent(err) {
		logger.WithError(err).Error("Permanent delivery failure")
		return c.deadLetter(ctx, logger, d, msg, channel, err)
	}

	attempts := msg.AttemptCount + 1
	if attempts >= c.cfg.MaxAttempts {
		logger.WithError(err).WithField("max_attempts", c.cfg.MaxAttempts).Error("Retry budget exhausted")
		return c.deadLetter(ctx, logger, d, msg, channel, err)
	}

	return c.retry(ctx, logger, d, msg, channel, err)
}

// retry republishes with attempt_count+1 and acks the original. When the
// republish fails the original is requeued so the broker redelivers it.
func (c *Consumer) retry(ctx context.Context, logger *logrus.Entry, d amqp.Delivery, msg models.NotificationMessage, channel models.Channel, cause error) Outcome {
	c.metrics.IncRetried()
	msg.AttemptCount++

	routingKey := d.RoutingKey
	if routingKey == "" {
		routingKey = RoutingKey(channel)
	}

	body, err := json.Marshal(msg)
	if err == nil {
		err = c.broker.Publish(ctx, routingKey, body, true,
			broker.WithMessageID(msg.MessageID),
			broker.WithHeaders(amqp.Table{
				models.HeaderAttemptCount:  int32(msg.AttemptCount),
				models.HeaderFailureReason: cause.Error(),
			}),
		)
	}
	if err != nil {
		logger.WithError(err).Warn("Republish failed, requeueing original")
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.WithError(nackErr).Error("Failed to nack message")
		}
		return OutcomeRetryPending
	}

	if ackErr := d.Ack(false); ackErr != nil {
		logger.WithError(ackErr).Error("Failed to ack message after republish")
	}
	logger.WithError(cause).WithField("next_attempt", msg.AttemptCount+1).Warn("Delivery failed, message requeued for retry")
	return OutcomeRetryPending
}

func (c *Consumer) deadLetter(ctx context.Context, logger *logrus.Entry, d amqp.Delivery, msg models.NotificationMessage, channel models.Channel, cause error) Outcome {
	dl := models.NewDeadLetter(models.SourceConsumer, d.Body, cause)
	dl.MessageID = msg.MessageID
	if dl.MessageID == "" {
		dl.MessageID = d.MessageId
	}
	dl.Channel = channel
	dl.RoutingKey = d.RoutingKey
	dl.Attempts = msg.AttemptCount + 1

	if err := c.sink.Send(ctx, dl); err != nil {
		logger.WithError(err).Error("Failed to forward dead letter")
	}
	if err := d.Reject(false); err != nil {
		logger.WithError(err).Error("Failed to reject message")
	}

	c.metrics.IncDeadLettered()
	logger.WithField("reason", dl.Reason).Error("Notification dead-lettered")
	return OutcomeDeadLettered
}
